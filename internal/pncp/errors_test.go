package pncp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		rateLimited bool
		transient   bool
		permanent   bool
	}{
		{
			name:        "local bucket exhaustion",
			err:         ErrRateLimitExceeded,
			rateLimited: true,
		},
		{
			name:        "wrapped bucket exhaustion",
			err:         fmt.Errorf("fetching page: %w", ErrRateLimitExceeded),
			rateLimited: true,
		},
		{
			name:        "upstream 429",
			err:         NewUpstreamError(http.StatusTooManyRequests, "http://x", "429 Too Many Requests"),
			rateLimited: true,
		},
		{
			name:      "upstream 500",
			err:       NewUpstreamError(http.StatusInternalServerError, "http://x", "500 Internal Server Error"),
			transient: true,
		},
		{
			name:      "upstream 503",
			err:       NewUpstreamError(http.StatusServiceUnavailable, "http://x", "503 Service Unavailable"),
			transient: true,
		},
		{
			name:      "deadline exceeded",
			err:       context.DeadlineExceeded,
			transient: true,
		},
		{
			name:      "upstream 404",
			err:       NewUpstreamError(http.StatusNotFound, "http://x", "404 Not Found"),
			permanent: true,
		},
		{
			name:      "upstream 400",
			err:       NewUpstreamError(http.StatusBadRequest, "http://x", "400 Bad Request"),
			permanent: true,
		},
		{
			name: "unclassified error",
			err:  errors.New("something else"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.rateLimited, IsRateLimited(tt.err), "IsRateLimited")
			assert.Equal(t, tt.transient, IsTransient(tt.err), "IsTransient")
			assert.Equal(t, tt.permanent, IsPermanent(tt.err), "IsPermanent")
		})
	}
}
