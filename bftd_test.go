package main

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/bftnetwork/bftd/bftclient"
	"github.com/bftnetwork/bftd/consensus"
	"github.com/bftnetwork/bftd/kvexec"
	"github.com/bftnetwork/bftd/store"
)

// freePorts reserves n distinct loopback ports.
func freePorts(t *testing.T, n int) []int {
	t.Helper()

	ports := make([]int, 0, n)
	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	for _, l := range listeners {
		require.NoError(t, l.Close())
	}
	return ports
}

// testCluster is an in-process four replica deployment over loopback TCP.
type testCluster struct {
	servers  []*server
	replicas []consensus.ReplicaInfo
}

// newTestCluster boots N=4 unsigned replicas with in-memory stores and
// checkpointing enabled.
func newTestCluster(t *testing.T) *testCluster {
	t.Helper()

	const n = 4
	ports := freePorts(t, n)

	replicas := make([]consensus.ReplicaInfo, n)
	for i := 0; i < n; i++ {
		replicas[i] = consensus.ReplicaInfo{
			ID:   uint32(i + 1),
			IP:   "127.0.0.1",
			Port: ports[i],
		}
	}

	cluster := &testCluster{replicas: replicas}
	for i := 0; i < n; i++ {
		repCfg := &replicaConfig{
			Replicas:              replicas,
			SelfID:                uint32(i + 1),
			WorkerNum:             4,
			InputWorkerNum:        2,
			OutputWorkerNum:       2,
			TCPBatchNum:           16,
			ClientBatchNum:        1,
			ClientBatchWaitTimeMs: 10,
			MaxProcessTxn:         64,
			ClientTimeoutMs:       10000,
			ViewChangeTimeoutMs:   60000,
			CheckpointWaterMark:   5,
			EnableCheckpoint:      true,
		}

		kvStore := store.NewMemoryStore()
		srv, err := newServer(
			&config{}, repCfg, nil, kvexec.NewExecutor(kvStore),
			kvStore, nil,
		)
		require.NoError(t, err)
		require.NoError(t, srv.Start())
		cluster.servers = append(cluster.servers, srv)
	}

	t.Cleanup(func() {
		for _, srv := range cluster.servers {
			srv.Stop()
		}
	})
	return cluster
}

// addrOf returns the listen address of replica id.
func (c *testCluster) addrOf(id uint32) string {
	for _, replica := range c.replicas {
		if replica.ID == id {
			return net.JoinHostPort(
				replica.IP, fmt.Sprintf("%d", replica.Port),
			)
		}
	}
	return ""
}

// kvSubmit submits one key-value operation through the given replica's
// proxy and decodes the matched response.
func kvSubmit(t *testing.T, addr string,
	req *kvexec.KVRequest) *kvexec.KVResponse {

	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, req.Encode(&buf))

	client := bftclient.NewUserClient(addr)
	defer client.Close()
	client.SetResponseTimeout(15 * time.Second)

	out, err := client.Submit(buf.Bytes())
	require.NoError(t, err)

	resp := &kvexec.KVResponse{}
	require.NoError(t, resp.Decode(bytes.NewReader(out)))
	return resp
}

// TestClusterSingleCommit boots the cluster, submits one transaction, and
// asserts every replica executes the same batch at seq 1 while the client
// sees exactly one response.
func TestClusterSingleCommit(t *testing.T) {
	cluster := newTestCluster(t)
	addr := cluster.addrOf(1)

	resp := kvSubmit(t, addr, &kvexec.KVRequest{
		Cmd:   kvexec.CmdSet,
		Key:   []byte("k"),
		Value: []byte("v"),
	})
	require.Equal(t, kvexec.StatusOK, resp.Status)

	// Every replica converges on the same committed log entry.
	for _, srv := range cluster.servers {
		srv := srv
		require.Eventually(t, func() bool {
			return srv.txnDB.MaxSeq() >= 1
		}, 15*time.Second, 50*time.Millisecond)

		data, err := srv.txnDB.Get(1)
		require.NoError(t, err)
		ref, err := cluster.servers[0].txnDB.Get(1)
		require.NoError(t, err)
		require.Equal(t, ref, data)
	}

	// The executed write is visible through a subsequent read.
	readBack := kvSubmit(t, addr, &kvexec.KVRequest{
		Cmd: kvexec.CmdGet,
		Key: []byte("k"),
	})
	require.Equal(t, kvexec.StatusOK, readBack.Status)
	require.Equal(t, []byte("v"), readBack.Value)
}

// TestClusterOrderedCommits submits several transactions and asserts the
// committed logs of all replicas agree entry by entry.
func TestClusterOrderedCommits(t *testing.T) {
	cluster := newTestCluster(t)
	addr := cluster.addrOf(1)

	const txns = 6
	for i := 0; i < txns; i++ {
		resp := kvSubmit(t, addr, &kvexec.KVRequest{
			Cmd:   kvexec.CmdSet,
			Key:   []byte(fmt.Sprintf("key-%d", i)),
			Value: []byte(fmt.Sprintf("val-%d", i)),
		})
		require.Equal(t, kvexec.StatusOK, resp.Status)
	}

	for _, srv := range cluster.servers {
		srv := srv
		require.Eventually(t, func() bool {
			return srv.txnDB.MaxSeq() >= txns
		}, 15*time.Second, 50*time.Millisecond)
	}

	// S1/S2: byte-identical batches at every sequence, no gaps.
	for seq := uint64(1); seq <= txns; seq++ {
		ref, err := cluster.servers[0].txnDB.Get(seq)
		require.NoError(t, err)
		for _, srv := range cluster.servers[1:] {
			data, err := srv.txnDB.Get(seq)
			require.NoError(t, err)
			require.Equal(t, ref, data, "divergence at seq %d",
				seq)
		}
	}

	// E5: five committed sequences froze a checkpoint; every replica
	// stabilises it once 2f+1 matching broadcasts circulate.
	for _, srv := range cluster.servers {
		srv := srv
		require.Eventually(t, func() bool {
			return srv.checkpointMgr.StableSeq() >= 5
		}, 15*time.Second, 50*time.Millisecond)
	}

	// The range query surfaces the committed log.
	txnClient := bftclient.NewTxnClient(addr)
	defer txnClient.Close()
	txnClient.SetResponseTimeout(10 * time.Second)

	queryResp, err := txnClient.Query(1, txns)
	require.NoError(t, err)
	require.Len(t, queryResp.Txns, txns)
	require.Equal(t, uint64(1), queryResp.Txns[0].Seq)
}

// TestClusterReplicaState asserts the state query answers with the
// replica's identity.
func TestClusterReplicaState(t *testing.T) {
	cluster := newTestCluster(t)

	client := bftclient.NewStateClient(cluster.addrOf(2))
	defer client.Close()
	client.SetResponseTimeout(10 * time.Second)

	state, err := client.ReplicaState()
	require.NoError(t, err)
	require.Equal(t, uint32(2), state.ReplicaID)
	require.Equal(t, uint64(0), state.View)
}

// TestClusterSilentReplica stops one backup and asserts the remaining
// N-f replicas still commit client transactions.
func TestClusterSilentReplica(t *testing.T) {
	cluster := newTestCluster(t)

	// Replica 4 goes dark.
	cluster.servers[3].Stop()

	resp := kvSubmit(t, cluster.addrOf(1), &kvexec.KVRequest{
		Cmd:   kvexec.CmdSet,
		Key:   []byte("still-alive"),
		Value: []byte("yes"),
	})
	require.Equal(t, kvexec.StatusOK, resp.Status)

	for _, srv := range cluster.servers[:3] {
		srv := srv
		require.Eventually(t, func() bool {
			return srv.txnDB.MaxSeq() >= 1
		}, 15*time.Second, 50*time.Millisecond)
	}
}
