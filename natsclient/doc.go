// Package natsclient wraps a NATS connection for the router's NATS transport
// and the KV-backed definition store.
//
// The client tracks connection status, counts consecutive failures with a
// simple circuit breaker, forwards disconnect/reconnect notifications to
// callbacks and exposes JetStream key-value buckets through KVStore.
//
// Basic usage:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("semroute"),
//	    natsclient.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	err = client.Subscribe(ctx, "sensors.*.temp", func(ctx context.Context, msg *nats.Msg) {
//	    // msg.Subject, msg.Data
//	})
//
// Key-value access:
//
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "semroute_rules"})
//	kv := client.NewKVStore(bucket)
//	rev, err := kv.Put(ctx, "deny-empty", data)
//
// StartTestServer runs a NATS server in a container for integration tests.
package natsclient
