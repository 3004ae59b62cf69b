//go:build integration

package definitions

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvorotnikov/open-iot-sub001/natsclient"
	"github.com/pvorotnikov/open-iot-sub001/tag"
)

func TestKVStore_SeedAndFollow(t *testing.T) {
	tc := natsclient.StartTestServer(t, natsclient.WithJetStream())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stores := newStores("validate", "convert-units")
	kv, err := NewKVStore(ctx, tc.Client, stores, nil)
	require.NoError(t, err)

	doc, err := Decode(strings.NewReader(seed))
	require.NoError(t, err)
	require.NoError(t, kv.Seed(ctx, doc))

	// Seeding twice keeps the stored records
	require.NoError(t, kv.Seed(ctx, doc))

	watchCtx, stop := context.WithCancel(ctx)
	require.NoError(t, kv.Start(watchCtx))

	assert.True(t, stores.Tags.Has("hot"))
	assert.True(t, stores.Rules.Has("deny-empty"))
	assert.True(t, stores.Rules.Has("tag-hot"))
	assert.True(t, stores.Pipelines.Has("temps"))

	require.NoError(t, kv.Put(ctx, KindTag, "cold", tag.Tag{ID: "cold", Name: "Cold"}))
	assert.Eventually(t, func() bool {
		return stores.Tags.Has("cold")
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, kv.Delete(ctx, KindPipeline, "temps"))
	assert.Eventually(t, func() bool {
		return !stores.Pipelines.Has("temps")
	}, 5*time.Second, 50*time.Millisecond)

	// Deleting again is a no-op
	require.NoError(t, kv.Delete(ctx, KindPipeline, "temps"))

	stop()
	kv.Wait()
}

func TestKVStore_RestartReloads(t *testing.T) {
	tc := natsclient.StartTestServer(t, natsclient.WithJetStream())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	first, err := NewKVStore(ctx, tc.Client, newStores(), nil)
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, KindTag, "hot", tag.Tag{ID: "hot", Name: "Hot"}))

	stores := newStores()
	second, err := NewKVStore(ctx, tc.Client, stores, nil)
	require.NoError(t, err)

	watchCtx, stop := context.WithCancel(ctx)
	defer func() {
		stop()
		second.Wait()
	}()
	require.NoError(t, second.Start(watchCtx))

	got, err := stores.Tags.Get("hot")
	require.NoError(t, err)
	assert.Equal(t, "Hot", got.Name)
}
