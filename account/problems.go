package account

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/task"
)

// ProblemFromError classifies a failure. Errors that are not the account's fault give no problem.
func ProblemFromError(err error) (entity.ProblemKind, bool) {
	if err == nil {
		return "", false
	}
	if errors.Is(err, lib.ErrUnauthorized) {
		return entity.ProblemCredentials, true
	}
	if errors.Is(err, lib.ErrConnection) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return entity.ProblemConnection, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return entity.ProblemConnection, true
	}
	return "", false
}

// Resources returns the resources of the account that should be available, and the ones that should not.
func Resources(account *entity.Account) (provide, revoke []string) {
	credentials := task.CredentialsResource(account.ID)
	happy := task.HappyResource(account.ID)
	if account.Problems.Has(entity.ProblemCredentials) {
		revoke = append(revoke, credentials)
	} else {
		provide = append(provide, credentials)
	}
	if !account.Enabled || account.Problems.Has(entity.ProblemConnection) {
		revoke = append(revoke, happy)
	} else {
		provide = append(provide, happy)
	}
	return provide, revoke
}
