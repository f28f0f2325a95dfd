package remote

import (
	"fmt"
	"strings"

	"github.com/3cpo-dev/dsup/pkg/api"
)

// ValidationError represents a rejected request field or a malformed service response
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// ValidateProjectCoordinates checks that a submission target is addressable
func ValidateProjectCoordinates(c api.ProjectCoordinates) error {
	if strings.TrimSpace(c.ProjKey) == "" {
		return ValidationError{Field: "proj_key", Value: c.ProjKey, Message: "project key is required"}
	}
	if strings.TrimSpace(c.IndexKey) == "" {
		return ValidationError{Field: "index_key", Value: c.IndexKey, Message: "index key is required"}
	}
	return nil
}

// ValidateS3Coordinates checks the fields the service needs to reach a bucket
func ValidateS3Coordinates(c api.S3Coordinates) error {
	if c.Host == "" {
		return ValidationError{Field: "host", Value: "", Message: "object storage host is required"}
	}
	if c.Port < 0 || c.Port > 65535 {
		return ValidationError{Field: "port", Value: fmt.Sprintf("%d", c.Port), Message: "port must be between 0 and 65535"}
	}
	if c.Bucket == "" {
		return ValidationError{Field: "bucket", Value: "", Message: "bucket is required"}
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return ValidationError{Field: "access_key", Value: "", Message: "access and secret keys are required"}
	}
	return nil
}
