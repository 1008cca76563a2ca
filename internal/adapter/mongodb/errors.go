package mongodb

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/guillermoBallester/moat/internal/core/domain"
)

// Server error codes that indicate an authorization problem.
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
)

// translateError tags driver errors with a domain kind where the driver tells
// us more than the message would. Anything else is left for domain.Classify.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), mongo.IsTimeout(err):
		return domain.Wrap(domain.ErrTimeout, err)
	case errors.Is(err, mongo.ErrClientDisconnected), mongo.IsNetworkError(err):
		return domain.Wrap(domain.ErrConnection, err)
	}

	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorCode(codeUnauthorized) || se.HasErrorCode(codeAuthenticationFailed)) {
		return domain.Wrap(domain.ErrSecurity, err)
	}
	return err
}
