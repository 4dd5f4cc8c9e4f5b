package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// The node cluster speaks the Electrum JSON-RPC protocol over websocket.
// Results are accepted only when a configurable quorum of nodes agrees,
// with randomized server selection and automatic fail-over when a node
// drops or misbehaves.

type BlockHeader struct {
	Height int64  `json:"height"`
	Hex    string `json:"hex"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcEnvelope struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Params json.RawMessage `json:"params"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

// NodeClient is one persistent connection to a cluster node. Safe for
// concurrent callers: writes and the pending-call map share one mutex, and
// responses are matched to callers by request id.
type NodeClient struct {
	Endpoint string

	headers chan<- BlockHeader

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[int64]chan callResult
	nextID    int64
	connected bool
	done      chan struct{}
}

func NewNodeClient(endpoint string, headers chan<- BlockHeader) *NodeClient {
	return &NodeClient{Endpoint: endpoint, headers: headers}
}

func (c *NodeClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.pending = make(map[int64]chan callResult)
	c.connected = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	return nil
}

func (c *NodeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Done is closed when the current connection is lost.
func (c *NodeClient) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *NodeClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *NodeClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.teardown(conn, done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env rpcEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Printf("node %s sent unparseable frame: %v", c.Endpoint, err)
			continue
		}

		if env.ID != nil {
			c.deliver(*env.ID, env)
			continue
		}
		if env.Method == "blockchain.headers.subscribe" {
			var params []BlockHeader
			if err := json.Unmarshal(env.Params, &params); err != nil || len(params) == 0 {
				continue
			}
			select {
			case c.headers <- params[0]:
			default:
			}
		}
	}
}

func (c *NodeClient) deliver(id int64, env rpcEnvelope) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	if env.Error != nil {
		ch <- callResult{err: fmt.Errorf("node %s: %s", c.Endpoint, env.Error.Message)}
		return
	}
	ch <- callResult{result: env.Result}
}

func (c *NodeClient) teardown(conn *websocket.Conn, done chan struct{}) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.connected = false
	}
	pending := c.pending
	c.pending = make(map[int64]chan callResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: fmt.Errorf("node %s disconnected", c.Endpoint)}
	}
	close(done)
}

// Call issues one JSON-RPC request and waits for the matching response.
func (c *NodeClient) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("node %s is not connected", c.Endpoint)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	conn := c.conn
	err := conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case res := <-ch:
		return res.result, res.err
	}
}

// SubscribeHeaders registers for new-block notifications on this node.
func (c *NodeClient) SubscribeHeaders(ctx context.Context) (BlockHeader, error) {
	result, err := c.Call(ctx, "blockchain.headers.subscribe", nil)
	if err != nil {
		return BlockHeader{}, err
	}
	var tip BlockHeader
	if err := json.Unmarshal(result, &tip); err != nil {
		return BlockHeader{}, err
	}
	return tip, nil
}

// Cluster fans requests out over its nodes and reconciles the answers.
// A node that fails FailThreshold calls in a row is disconnected so the
// manage loop can rebuild its connection.
type Cluster struct {
	Quorum        int
	FailThreshold int

	nodes   []*NodeClient
	headers chan BlockHeader

	failMu   sync.Mutex
	failures map[*NodeClient]int
}

func NewCluster(endpoints []string, quorum int) (*Cluster, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("cluster endpoints is empty")
	}
	if quorum < 1 || quorum > len(endpoints) {
		return nil, errors.New("cluster quorum must be between 1 and the node count")
	}
	headers := make(chan BlockHeader, 8)
	cl := &Cluster{
		Quorum:        quorum,
		FailThreshold: 3,
		headers:       headers,
		failures:      make(map[*NodeClient]int),
	}
	for _, ep := range endpoints {
		cl.nodes = append(cl.nodes, NewNodeClient(ep, headers))
	}
	return cl, nil
}

// Headers merges block notifications from every node. Consumers must dedupe
// by height since each node reports each block.
func (cl *Cluster) Headers() <-chan BlockHeader {
	return cl.headers
}

// Run keeps every node connected and subscribed, reconnecting with backoff
// when a connection drops.
func (cl *Cluster) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, node := range cl.nodes {
		wg.Add(1)
		go func(n *NodeClient) {
			defer wg.Done()
			cl.manage(ctx, n)
		}(node)
	}
	wg.Wait()
}

func (cl *Cluster) manage(ctx context.Context, n *NodeClient) {
	for {
		select {
		case <-ctx.Done():
			n.Close()
			return
		default:
		}

		if err := n.Connect(ctx); err != nil {
			log.Printf("node %s connect failed: %v", n.Endpoint, err)
			sleepCtx(ctx, 3*time.Second)
			continue
		}
		if _, err := n.SubscribeHeaders(ctx); err != nil {
			log.Printf("node %s header subscribe failed: %v", n.Endpoint, err)
			n.Close()
			sleepCtx(ctx, 3*time.Second)
			continue
		}
		log.Printf("node %s connected", n.Endpoint)

		select {
		case <-ctx.Done():
			n.Close()
			return
		case <-n.Done():
		}
		log.Printf("node %s disconnected, reconnecting", n.Endpoint)
		sleepCtx(ctx, 2*time.Second)
	}
}

// gather calls the method on nodes in randomized order until `need`
// responses arrive, failing over past disconnected or erroring nodes.
func (cl *Cluster) gather(ctx context.Context, method string, params []any, need int) ([]json.RawMessage, error) {
	order := rand.Perm(len(cl.nodes))
	results := make([]json.RawMessage, 0, need)
	var lastErr error

	for _, idx := range order {
		node := cl.nodes[idx]
		if !node.Connected() {
			continue
		}
		result, err := node.Call(ctx, method, params)
		if err != nil {
			lastErr = err
			cl.noteFailure(node)
			continue
		}
		cl.noteSuccess(node)
		results = append(results, result)
		if len(results) >= need {
			return results, nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("not enough connected nodes")
	}
	return results, fmt.Errorf("%s needed %d responses, got %d: %w", method, need, len(results), lastErr)
}

func (cl *Cluster) noteFailure(n *NodeClient) {
	cl.failMu.Lock()
	cl.failures[n]++
	evict := cl.failures[n] >= cl.FailThreshold
	if evict {
		cl.failures[n] = 0
	}
	cl.failMu.Unlock()
	if evict {
		log.Printf("node %s failed %d calls in a row, dropping connection", n.Endpoint, cl.FailThreshold)
		n.Close()
	}
}

func (cl *Cluster) noteSuccess(n *NodeClient) {
	cl.failMu.Lock()
	delete(cl.failures, n)
	cl.failMu.Unlock()
}

// BroadcastTransaction relays one raw transaction, requiring quorum
// agreement on the returned txid.
func (cl *Cluster) BroadcastTransaction(ctx context.Context, rawHex string) (string, error) {
	results, err := cl.gather(ctx, "blockchain.transaction.broadcast", []any{rawHex}, cl.Quorum)
	if err != nil {
		return "", err
	}
	txids := make([]string, 0, len(results))
	for _, raw := range results {
		var txid string
		if err := json.Unmarshal(raw, &txid); err != nil {
			return "", fmt.Errorf("broadcast returned a non-string result: %w", err)
		}
		txids = append(txids, txid)
	}
	return agree(txids, cl.Quorum)
}

// TransactionConfirmations reports a transaction's confirmation count,
// taking the lowest figure among the quorum responses.
func (cl *Cluster) TransactionConfirmations(ctx context.Context, txid string) (int64, error) {
	results, err := cl.gather(ctx, "blockchain.transaction.get", []any{txid, true}, cl.Quorum)
	if err != nil {
		return 0, err
	}
	lowest := int64(-1)
	for _, raw := range results {
		var tx struct {
			Confirmations int64 `json:"confirmations"`
		}
		if err := json.Unmarshal(raw, &tx); err != nil {
			return 0, fmt.Errorf("transaction.get returned an unexpected result: %w", err)
		}
		if lowest < 0 || tx.Confirmations < lowest {
			lowest = tx.Confirmations
		}
	}
	return lowest, nil
}

func agree(values []string, quorum int) (string, error) {
	counts := make(map[string]int, len(values))
	for _, v := range values {
		counts[v]++
		if counts[v] >= quorum {
			return v, nil
		}
	}
	return "", fmt.Errorf("cluster disagreement: %d responses, no %d-way agreement", len(values), quorum)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
