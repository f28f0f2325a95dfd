package objstore

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/dsup/pkg/api"
)

const listOne = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>docs</Name><Prefix>in/</Prefix><KeyCount>1</KeyCount><MaxKeys>1</MaxKeys><IsTruncated>false</IsTruncated><Contents><Key>in/a.pdf</Key><Size>3</Size></Contents></ListBucketResult>`

const listEmpty = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>docs</Name><Prefix>in/</Prefix><KeyCount>0</KeyCount><MaxKeys>1</MaxKeys><IsTruncated>false</IsTruncated></ListBucketResult>`

func fakeS3(t *testing.T, headStatus int, listing string) api.S3Coordinates {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/docs") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(headStatus)
		case http.MethodGet:
			assert.Equal(t, "2", r.URL.Query().Get("list-type"))
			assert.Equal(t, "in/", r.URL.Query().Get("prefix"))
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(listing))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return api.S3Coordinates{
		Host: host, Port: p, AccessKey: "ak", SecretKey: "sk",
		Bucket: "docs", KeyPrefix: "in/", Location: "us-east-1",
	}
}

func TestCheckPasses(t *testing.T) {
	coords := fakeS3(t, http.StatusOK, listOne)
	require.NoError(t, NewChecker(5*time.Second).Check(context.Background(), coords))
}

func TestCheckMissingBucket(t *testing.T) {
	coords := fakeS3(t, http.StatusNotFound, listOne)
	err := NewChecker(5*time.Second).Check(context.Background(), coords)
	assert.ErrorIs(t, err, ErrBucketNotFound)
}

func TestCheckForbidden(t *testing.T) {
	coords := fakeS3(t, http.StatusForbidden, listOne)
	err := NewChecker(5*time.Second).Check(context.Background(), coords)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestCheckEmptyPrefix(t *testing.T) {
	coords := fakeS3(t, http.StatusOK, listEmpty)
	err := NewChecker(5*time.Second).Check(context.Background(), coords)
	assert.ErrorIs(t, err, ErrEmptyPrefix)
}
