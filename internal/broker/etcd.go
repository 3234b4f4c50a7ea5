package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/fenwick-labs/searchcore/internal/config"
)

// Etcd is a Broker backed by an etcd cluster, following the conditional-Txn
// idiom of go/flow/mapping.go's partition-creation path: every mutation of
// shared state is either a single Txn or a bounded compare-and-swap loop,
// never a blind read-modify-write.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

// NewEtcd wraps an existing etcd client. prefix isolates one run's broker
// state (spec.md's BROKER_HOST config resolves to the client's endpoints).
func NewEtcd(client *clientv3.Client, prefix string) *Etcd {
	return &Etcd{client: client, prefix: strings.TrimRight(prefix, "/")}
}

// DialEtcd dials the etcd endpoint named by cfg and wraps the resulting
// client as a Broker, isolated under cfg.Prefix. Mirrors the
// dial-then-wrap shape of go/flow/mapping.go's client construction.
func DialEtcd(cfg config.BrokerConfig) (*Etcd, error) {
	var client, err = clientv3.New(clientv3.Config{
		Endpoints:   []string{cfg.Host},
		DialTimeout: time.Duration(cfg.Timeout) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: dialing etcd %s: %w", cfg.Host, err)
	}
	return NewEtcd(client, cfg.Prefix), nil
}

// Close releases the underlying etcd client connection.
func (e *Etcd) Close() error {
	return e.client.Close()
}

func (e *Etcd) key(parts ...string) string {
	return e.prefix + "/" + strings.Join(parts, "/")
}

// --- queues ---

func (e *Etcd) pendingPrefix(queue string) string    { return e.key("queue", queue, "pending") + "/" }
func (e *Etcd) processingPrefix(queue string) string { return e.key("queue", queue, "processing") + "/" }
func (e *Etcd) deadPrefix(queue string) string       { return e.key("queue", queue, "dead") + "/" }
func (e *Etcd) seqKey(queue string) string           { return e.key("queue", queue, "seq") }

// nextSeq returns a monotonically increasing sequence number for ordering
// pending entries, via a bounded CAS loop.
func (e *Etcd) nextSeq(ctx context.Context, queue string, priority bool) (string, error) {
	var key = e.seqKey(queue)
	for attempt := 0; attempt < 10; attempt++ {
		var get, err = e.client.Get(ctx, key)
		if err != nil {
			return "", fmt.Errorf("broker: reading sequence: %w", err)
		}
		var hi, lo int64
		if len(get.Kvs) != 0 {
			fmt.Sscanf(string(get.Kvs[0].Value), "%d,%d", &hi, &lo)
		}
		var rev int64
		if len(get.Kvs) != 0 {
			rev = get.Kvs[0].ModRevision
		}

		var nhi, nlo = hi, lo
		if priority {
			nlo--
		} else {
			nhi++
		}
		var value = fmt.Sprintf("%d,%d", nhi, nlo)

		var cmp clientv3.Cmp
		if rev == 0 {
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", 0)
		} else {
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", rev)
		}
		var txn, txErr = e.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, value)).Commit()
		if txErr != nil {
			return "", fmt.Errorf("broker: allocating sequence: %w", txErr)
		}
		if txn.Succeeded {
			// Pending entries sort lexicographically by "%020d.%020d". An
			// ordinary publish takes the next high half (>= 1); a priority
			// requeue takes high half 0 and a strictly decreasing low half,
			// so it sorts before every ordinarily-published entry.
			var hiPart = nhi
			if priority {
				hiPart = 0
			}
			return fmt.Sprintf("%020d.%020d", hiPart, nlo+(1<<62)), nil
		}
	}
	return "", fmt.Errorf("broker: allocating sequence: too much contention")
}

func (e *Etcd) Publish(ctx context.Context, queue string, payload []byte) error {
	var seq, err = e.nextSeq(ctx, queue, false)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, e.pendingPrefix(queue)+seq, string(payload))
	return err
}

func (e *Etcd) Claim(ctx context.Context, queue string, timeout time.Duration) ([]byte, bool, error) {
	var deadline = time.Now().Add(timeout)
	for {
		var resp, err = e.client.Get(ctx, e.pendingPrefix(queue),
			clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend), clientv3.WithLimit(1))
		if err != nil {
			return nil, false, fmt.Errorf("broker: listing pending: %w", err)
		}
		if len(resp.Kvs) != 0 {
			var kv = resp.Kvs[0]
			var procKey = e.processingPrefix(queue) + strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + string(kv.Key)

			var txn, txErr = e.client.Txn(ctx).If(
				clientv3.Compare(clientv3.ModRevision(string(kv.Key)), "=", kv.ModRevision),
			).Then(
				clientv3.OpDelete(string(kv.Key)),
				clientv3.OpPut(procKey, string(kv.Value)),
			).Commit()
			if txErr != nil {
				return nil, false, fmt.Errorf("broker: claiming: %w", txErr)
			}
			if txn.Succeeded {
				return kv.Value, true, nil
			}
			continue // Lost the race; retry immediately.
		}

		var remain = time.Until(deadline)
		if remain <= 0 {
			return nil, false, nil
		}
		var poll = remain
		if poll > 200*time.Millisecond {
			poll = 200 * time.Millisecond
		}
		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (e *Etcd) removeFromProcessing(ctx context.Context, queue string, payload []byte) (string, error) {
	var resp, err = e.client.Get(ctx, e.processingPrefix(queue), clientv3.WithPrefix())
	if err != nil {
		return "", fmt.Errorf("broker: listing processing: %w", err)
	}
	for _, kv := range resp.Kvs {
		if string(kv.Value) == string(payload) {
			if _, err := e.client.Delete(ctx, string(kv.Key)); err != nil {
				return "", fmt.Errorf("broker: removing from processing: %w", err)
			}
			return string(kv.Key), nil
		}
	}
	return "", nil
}

func (e *Etcd) Ack(ctx context.Context, queue string, payload []byte) error {
	_, err := e.removeFromProcessing(ctx, queue, payload)
	return err
}

func (e *Etcd) Requeue(ctx context.Context, queue string, payload []byte) error {
	if _, err := e.removeFromProcessing(ctx, queue, payload); err != nil {
		return err
	}
	var seq, err = e.nextSeq(ctx, queue, true)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, e.pendingPrefix(queue)+seq, string(payload))
	return err
}

func (e *Etcd) Deadletter(ctx context.Context, queue string, payload []byte, reason string) error {
	if _, err := e.removeFromProcessing(ctx, queue, payload); err != nil {
		return err
	}
	var seq, err = e.nextSeq(ctx, queue, false)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, e.deadPrefix(queue)+seq, reason+"\x00"+string(payload))
	return err
}

func (e *Etcd) Clear(ctx context.Context, queue string) error {
	if _, err := e.client.Delete(ctx, e.pendingPrefix(queue), clientv3.WithPrefix()); err != nil {
		return err
	}
	if _, err := e.client.Delete(ctx, e.processingPrefix(queue), clientv3.WithPrefix()); err != nil {
		return err
	}
	return nil
}

func (e *Etcd) Reclaim(ctx context.Context, queue string) (int, error) {
	var resp, err = e.client.Get(ctx, e.processingPrefix(queue), clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("broker: listing processing: %w", err)
	}
	var n int
	for _, kv := range resp.Kvs {
		var seq, err = e.nextSeq(ctx, queue, true)
		if err != nil {
			return n, err
		}
		if _, err := e.client.Txn(ctx).Then(
			clientv3.OpDelete(string(kv.Key)),
			clientv3.OpPut(e.pendingPrefix(queue)+seq, string(kv.Value)),
		).Commit(); err != nil {
			return n, fmt.Errorf("broker: reclaiming: %w", err)
		}
		n++
	}
	return n, nil
}

func (e *Etcd) DeadLetters(ctx context.Context, queue string) ([]DeadLetter, error) {
	var resp, err = e.client.Get(ctx, e.deadPrefix(queue), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("broker: listing dead letters: %w", err)
	}
	var out = make([]DeadLetter, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var parts = strings.SplitN(string(kv.Value), "\x00", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, DeadLetter{Reason: parts[0], Payload: []byte(parts[1])})
	}
	return out, nil
}

// --- scalars ---

func (e *Etcd) Set(ctx context.Context, key, value string) error {
	_, err := e.client.Put(ctx, e.key("kv", key), value)
	return err
}

func (e *Etcd) Get(ctx context.Context, key string) (string, error) {
	var resp, err = e.client.Get(ctx, e.key("kv", key))
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", ErrNotFound
	}
	return string(resp.Kvs[0].Value), nil
}

func (e *Etcd) Delete(ctx context.Context, key string) error {
	if _, err := e.client.Delete(ctx, e.key("kv", key)); err != nil {
		return err
	}
	if _, err := e.client.Delete(ctx, e.key("hash", key)+"/", clientv3.WithPrefix()); err != nil {
		return err
	}
	if _, err := e.client.Delete(ctx, e.key("list", key)+"/", clientv3.WithPrefix()); err != nil {
		return err
	}
	return nil
}

func (e *Etcd) Rename(ctx context.Context, src, dst string) error {
	for _, kind := range []string{"kv", "hash", "list"} {
		var srcPrefix = e.key(kind, src)
		var dstPrefix = e.key(kind, dst)
		var resp, err = e.client.Get(ctx, srcPrefix, clientv3.WithPrefix())
		if err != nil {
			return fmt.Errorf("broker: renaming %s: %w", kind, err)
		}
		if len(resp.Kvs) == 0 {
			continue
		}
		var ops = make([]clientv3.Op, 0, len(resp.Kvs)*2+1)
		for _, kv := range resp.Kvs {
			var suffix = strings.TrimPrefix(string(kv.Key), srcPrefix)
			ops = append(ops, clientv3.OpPut(dstPrefix+suffix, string(kv.Value)))
		}
		ops = append(ops, clientv3.OpDelete(srcPrefix, clientv3.WithPrefix()))
		if _, err := e.client.Txn(ctx).Then(ops...).Commit(); err != nil {
			return fmt.Errorf("broker: renaming %s: %w", kind, err)
		}
	}
	return nil
}

func (e *Etcd) AtomicAddFloat(ctx context.Context, key string, delta float64) (float64, error) {
	var fullKey = e.key("kv", key)
	for attempt := 0; attempt < 10; attempt++ {
		var get, err = e.client.Get(ctx, fullKey)
		if err != nil {
			return 0, err
		}
		var cur float64
		var rev int64
		if len(get.Kvs) != 0 {
			cur, _ = strconv.ParseFloat(string(get.Kvs[0].Value), 64)
			rev = get.Kvs[0].ModRevision
		}
		var next = cur + delta
		var cmp = clientv3.Compare(clientv3.ModRevision(fullKey), "=", rev)
		var txn, txErr = e.client.Txn(ctx).If(cmp).Then(
			clientv3.OpPut(fullKey, strconv.FormatFloat(next, 'g', -1, 64)),
		).Commit()
		if txErr != nil {
			return 0, txErr
		}
		if txn.Succeeded {
			return next, nil
		}
	}
	return 0, fmt.Errorf("broker: AtomicAddFloat(%s): too much contention", key)
}

func (e *Etcd) AtomicAddInt(ctx context.Context, key string, delta int64) (int64, error) {
	var fullKey = e.key("kv", key)
	for attempt := 0; attempt < 10; attempt++ {
		var get, err = e.client.Get(ctx, fullKey)
		if err != nil {
			return 0, err
		}
		var cur int64
		var rev int64
		if len(get.Kvs) != 0 {
			cur, _ = strconv.ParseInt(string(get.Kvs[0].Value), 10, 64)
			rev = get.Kvs[0].ModRevision
		}
		var next = cur + delta
		var cmp = clientv3.Compare(clientv3.ModRevision(fullKey), "=", rev)
		var txn, txErr = e.client.Txn(ctx).If(cmp).Then(
			clientv3.OpPut(fullKey, strconv.FormatInt(next, 10)),
		).Commit()
		if txErr != nil {
			return 0, txErr
		}
		if txn.Succeeded {
			return next, nil
		}
	}
	return 0, fmt.Errorf("broker: AtomicAddInt(%s): too much contention", key)
}

// --- hashes ---

func (e *Etcd) hashField(hash, field string) string { return e.key("hash", hash, field) }

func (e *Etcd) HSet(ctx context.Context, hash, field, value string) error {
	_, err := e.client.Put(ctx, e.hashField(hash, field), value)
	return err
}

func (e *Etcd) HGet(ctx context.Context, hash, field string) (string, error) {
	var resp, err = e.client.Get(ctx, e.hashField(hash, field))
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", ErrNotFound
	}
	return string(resp.Kvs[0].Value), nil
}

func (e *Etcd) HLen(ctx context.Context, hash string) (int, error) {
	var resp, err = e.client.Get(ctx, e.key("hash", hash)+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

func (e *Etcd) HAddFloat(ctx context.Context, hash, field string, delta float64) (float64, error) {
	var fullKey = e.hashField(hash, field)
	for attempt := 0; attempt < 10; attempt++ {
		var get, err = e.client.Get(ctx, fullKey)
		if err != nil {
			return 0, err
		}
		var cur float64
		var rev int64
		if len(get.Kvs) != 0 {
			cur, _ = strconv.ParseFloat(string(get.Kvs[0].Value), 64)
			rev = get.Kvs[0].ModRevision
		}
		var next = cur + delta
		var cmp = clientv3.Compare(clientv3.ModRevision(fullKey), "=", rev)
		var txn, txErr = e.client.Txn(ctx).If(cmp).Then(
			clientv3.OpPut(fullKey, strconv.FormatFloat(next, 'g', -1, 64)),
		).Commit()
		if txErr != nil {
			return 0, txErr
		}
		if txn.Succeeded {
			return next, nil
		}
	}
	return 0, fmt.Errorf("broker: HAddFloat(%s,%s): too much contention", hash, field)
}

// --- lists ---

func (e *Etcd) listIndexKey(key string, index int) string {
	return fmt.Sprintf("%s/%020d", e.key("list", key), index)
}

func (e *Etcd) ListAppend(ctx context.Context, key string, values ...string) (int, error) {
	var n, err = e.ListLen(ctx, key)
	if err != nil {
		return 0, err
	}
	var ops = make([]clientv3.Op, len(values))
	for i, v := range values {
		ops[i] = clientv3.OpPut(e.listIndexKey(key, n+i), v)
	}
	const batch = 1000
	for i := 0; i < len(ops); i += batch {
		var end = i + batch
		if end > len(ops) {
			end = len(ops)
		}
		if _, err := e.client.Txn(ctx).Then(ops[i:end]...).Commit(); err != nil {
			return n, fmt.Errorf("broker: list append: %w", err)
		}
	}
	return n, nil
}

func (e *Etcd) ListRange(ctx context.Context, key string, start, count int) ([]string, error) {
	var resp, err = e.client.Get(ctx, e.listIndexKey(key, start),
		clientv3.WithRange(e.listIndexKey(key, start+count)))
	if err != nil {
		return nil, err
	}
	var out = make([]string, len(resp.Kvs))
	for i, kv := range resp.Kvs {
		out[i] = string(kv.Value)
	}
	return out, nil
}

func (e *Etcd) ListLen(ctx context.Context, key string) (int, error) {
	var resp, err = e.client.Get(ctx, e.key("list", key)+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

var _ Broker = (*Etcd)(nil)
