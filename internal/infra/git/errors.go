package git

import (
	"context"
	"errors"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/jinford/dev-docs/internal/core/pipeline"
)

// classify は go-git のエラーをリトライ可否付きのエラーに変換する
// 認証・存在しないリポジトリ・空のリポジトリはリトライしても解決しないため Fatal とする
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return pipeline.Fatal(pipeline.KindPermission, op, err)
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, git.ErrRepositoryNotExists),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return pipeline.Fatal(pipeline.KindNotFound, op, err)
	case errors.Is(err, transport.ErrInvalidAuthMethod):
		return pipeline.Fatal(pipeline.KindConfiguration, op, err)
	case errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, transport.ErrEmptyUploadPackRequest):
		return pipeline.Fatal(pipeline.KindValidation, op, err)
	}

	var execErr *pipeline.ExecutionError
	if errors.As(err, &execErr) {
		return err
	}

	return pipeline.Transient(op, err)
}
