package election

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// faultyScripter wraps a real client and starts failing every script call
// once the break flag is set, simulating a worker that lost its Redis
// connection.
type faultyScripter struct {
	breakFlag bool
	client    *redis.Client
}

func (f *faultyScripter) checkBreak() error {
	if f.breakFlag {
		return errors.New("operation aborted: break flag is set")
	}
	return nil
}

func (f *faultyScripter) failedCmd(ctx context.Context, err error) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	cmd.SetErr(err)
	return cmd
}

func (f *faultyScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	if err := f.checkBreak(); err != nil {
		return f.failedCmd(ctx, err)
	}
	return f.client.Eval(ctx, script, keys, args...)
}

func (f *faultyScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	if err := f.checkBreak(); err != nil {
		return f.failedCmd(ctx, err)
	}
	return f.client.EvalSha(ctx, sha1, keys, args...)
}

func (f *faultyScripter) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	if err := f.checkBreak(); err != nil {
		return f.failedCmd(ctx, err)
	}
	return f.client.EvalRO(ctx, script, keys, args...)
}

func (f *faultyScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	if err := f.checkBreak(); err != nil {
		return f.failedCmd(ctx, err)
	}
	return f.client.EvalShaRO(ctx, sha1, keys, args...)
}

func (f *faultyScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	if err := f.checkBreak(); err != nil {
		cmd := redis.NewBoolSliceCmd(ctx)
		cmd.SetErr(err)
		return cmd
	}
	return f.client.ScriptExists(ctx, hashes...)
}

func (f *faultyScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	if err := f.checkBreak(); err != nil {
		cmd := redis.NewStringCmd(ctx)
		cmd.SetErr(err)
		return cmd
	}
	return f.client.ScriptLoad(ctx, script)
}
