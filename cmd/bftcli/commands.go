package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
	"github.com/bftnetwork/bftd/bftclient"
	"github.com/bftnetwork/bftd/kvexec"
)

// newUserClient builds a user client from the global flags.
func newUserClient(ctx *cli.Context) *bftclient.UserClient {
	client := bftclient.NewUserClient(ctx.GlobalString("rpcserver"))
	client.SetResponseTimeout(ctx.GlobalDuration("timeout"))
	return client
}

// submitKV encodes one key-value operation, submits it, and decodes the
// matched response.
func submitKV(ctx *cli.Context, req *kvexec.KVRequest) (*kvexec.KVResponse,
	error) {

	var buf bytes.Buffer
	if err := req.Encode(&buf); err != nil {
		return nil, err
	}

	client := newUserClient(ctx)
	defer client.Close()

	out, err := client.Submit(buf.Bytes())
	if err != nil {
		return nil, err
	}

	resp := &kvexec.KVResponse{}
	if err := resp.Decode(bytes.NewReader(out)); err != nil {
		return nil, err
	}
	return resp, nil
}

// printJSON renders v as indented json on stdout.
func printJSON(v interface{}) {
	out, _ := json.MarshalIndent(v, "", "    ")
	fmt.Println(string(out))
}

var setCommand = cli.Command{
	Name:      "set",
	Usage:     "store a value under a key",
	ArgsUsage: "key value",
	Action:    actionSet,
}

func actionSet(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "set")
	}

	resp, err := submitKV(ctx, &kvexec.KVRequest{
		Cmd:   kvexec.CmdSet,
		Key:   []byte(ctx.Args().Get(0)),
		Value: []byte(ctx.Args().Get(1)),
	})
	if err != nil {
		return err
	}
	printJSON(map[string]interface{}{"status": resp.Status})
	return nil
}

var getCommand = cli.Command{
	Name:      "get",
	Usage:     "read the value stored under a key",
	ArgsUsage: "key",
	Action:    actionGet,
}

func actionGet(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "get")
	}

	resp, err := submitKV(ctx, &kvexec.KVRequest{
		Cmd: kvexec.CmdGet,
		Key: []byte(ctx.Args().First()),
	})
	if err != nil {
		return err
	}
	if resp.Status != kvexec.StatusOK {
		return fmt.Errorf("key not found")
	}
	printJSON(map[string]interface{}{"value": string(resp.Value)})
	return nil
}

var getRangeCommand = cli.Command{
	Name:      "getrange",
	Usage:     "read every value between two keys inclusive",
	ArgsUsage: "minkey maxkey",
	Action:    actionGetRange,
}

func actionGetRange(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "getrange")
	}

	resp, err := submitKV(ctx, &kvexec.KVRequest{
		Cmd:    kvexec.CmdGetRange,
		Key:    []byte(ctx.Args().Get(0)),
		MaxKey: []byte(ctx.Args().Get(1)),
	})
	if err != nil {
		return err
	}

	values := make([]string, 0, len(resp.Values))
	for _, v := range resp.Values {
		values = append(values, string(v))
	}
	printJSON(map[string]interface{}{"values": values})
	return nil
}

var queryCommand = cli.Command{
	Name:      "query",
	Usage:     "fetch committed transactions by sequence range",
	ArgsUsage: "minseq maxseq",
	Action:    actionQuery,
}

func actionQuery(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "query")
	}

	var minSeq, maxSeq uint64
	if _, err := fmt.Sscanf(ctx.Args().Get(0), "%d", &minSeq); err != nil {
		return err
	}
	if _, err := fmt.Sscanf(ctx.Args().Get(1), "%d", &maxSeq); err != nil {
		return err
	}

	client := bftclient.NewTxnClient(ctx.GlobalString("rpcserver"))
	client.SetResponseTimeout(ctx.GlobalDuration("timeout"))
	defer client.Close()

	resp, err := client.Query(minSeq, maxSeq)
	if err != nil {
		return err
	}

	type txn struct {
		Seq  uint64 `json:"seq"`
		Size int    `json:"size"`
	}
	txns := make([]txn, 0, len(resp.Txns))
	for _, t := range resp.Txns {
		txns = append(txns, txn{Seq: t.Seq, Size: len(t.Data)})
	}
	printJSON(map[string]interface{}{"txns": txns})
	return nil
}

var stateCommand = cli.Command{
	Name:   "state",
	Usage:  "fetch the replica's current view and identity",
	Action: actionState,
}

func actionState(ctx *cli.Context) error {
	client := bftclient.NewStateClient(ctx.GlobalString("rpcserver"))
	client.SetResponseTimeout(ctx.GlobalDuration("timeout"))
	defer client.Close()

	state, err := client.ReplicaState()
	if err != nil {
		return err
	}
	printJSON(map[string]interface{}{
		"replica_id": state.ReplicaID,
		"view":       state.View,
		"addr":       string(state.Addr),
	})
	return nil
}

var genKeyCommand = cli.Command{
	Name:      "genkey",
	Usage:     "generate a replica key pair",
	ArgsUsage: "keyfile certfile",
	Action:    actionGenKey,
}

func actionGenKey(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "genkey")
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return err
	}

	privHex := hex.EncodeToString(priv.Serialize())
	pubHex := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	err = ioutil.WriteFile(
		ctx.Args().Get(0), []byte(privHex+"\n"), 0600,
	)
	if err != nil {
		return err
	}
	err = ioutil.WriteFile(
		ctx.Args().Get(1), []byte(pubHex+"\n"), 0644,
	)
	if err != nil {
		return err
	}

	printJSON(map[string]string{"pubkey": pubHex})
	return nil
}

var benchCommand = cli.Command{
	Name:  "bench",
	Usage: "drive concurrent set transactions and report throughput",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "clients",
			Value: 8,
			Usage: "number of concurrent submitters",
		},
		cli.IntFlag{
			Name:  "txns",
			Value: 1000,
			Usage: "transactions per submitter",
		},
	},
	Action: actionBench,
}

func actionBench(ctx *cli.Context) error {
	clients := ctx.Int("clients")
	txns := ctx.Int("txns")
	addr := ctx.GlobalString("rpcserver")
	timeout := ctx.GlobalDuration("timeout")

	var done uint64
	start := time.Now()

	var group errgroup.Group
	for i := 0; i < clients; i++ {
		worker := i
		group.Go(func() error {
			client := bftclient.NewUserClient(addr)
			client.SetResponseTimeout(timeout)
			defer client.Close()

			for j := 0; j < txns; j++ {
				req := &kvexec.KVRequest{
					Cmd: kvexec.CmdSet,
					Key: []byte(fmt.Sprintf(
						"bench-%d-%d", worker, j,
					)),
					Value: []byte("x"),
				}
				var buf bytes.Buffer
				if err := req.Encode(&buf); err != nil {
					return err
				}
				if _, err := client.Submit(
					buf.Bytes(),
				); err != nil {
					return err
				}
				atomic.AddUint64(&done, 1)
			}
			return nil
		})
	}

	err := group.Wait()
	elapsed := time.Since(start)

	completed := atomic.LoadUint64(&done)
	fmt.Fprintf(os.Stdout, "completed %d txns in %v (%.1f txn/s)\n",
		completed, elapsed,
		float64(completed)/elapsed.Seconds())
	return err
}
