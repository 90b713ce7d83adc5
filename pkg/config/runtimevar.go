package config

import (
	"context"
	"fmt"

	"gocloud.dev/runtimevar"
)

// ResolveDSN dereferences a gocloud.dev/runtimevar URL (e.g.
// "constant://?val=winelog.db&decoder=string", or an etcd/Consul-backed
// URL in production) into the current DSN string. Callers that don't need
// dynamic DSN rotation can skip this and use Config.Database.DSN directly.
//
// Grounded on pkg/security/credentials/gocloud.go's
// OpenKeeper-then-decrypt shape, generalized from gocloud.dev/secrets to
// gocloud.dev/runtimevar since a DSN is a plain string, not a secret blob.
func ResolveDSN(ctx context.Context, varURL string) (dsn string, closeFn func() error, err error) {
	v, err := runtimevar.OpenVariable(ctx, varURL)
	if err != nil {
		return "", nil, fmt.Errorf("open runtimevar %q: %w", varURL, err)
	}

	snapshot, err := v.Latest(ctx)
	if err != nil {
		v.Close()
		return "", nil, fmt.Errorf("read runtimevar %q: %w", varURL, err)
	}

	s, ok := snapshot.Value.(string)
	if !ok {
		v.Close()
		return "", nil, fmt.Errorf("runtimevar %q did not decode to a string (got %T)", varURL, snapshot.Value)
	}
	return s, v.Close, nil
}
