package ports

import (
	"context"

	"energyagent/domain/policy"
)

// CorpusLoader reads a policy clause corpus. A missing source returns an
// error matching core.ErrCorpusNotFound; malformed content matches
// core.ErrParse.
type CorpusLoader interface {
	Load(ctx context.Context, path string) (*policy.Corpus, error)
}
