// Package node identifies a running EpochFlow process.
//
// A node has two ids. The node id is a ULID kept in <data_dir>/node_id and
// survives restarts. The boot id is drawn on every start; the partitions tag
// the requests they submit with a stream id hashed from both, so a response
// written to a log by an earlier run never reaches a waiter of this one.
package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"
)

const (
	idFileName = "node_id"

	// autoID in the configuration means "use the id file".
	autoID = "auto"
)

// ID is the ULID of a node.
type ID string

func (id ID) String() string { return string(id) }

func (id ID) IsZero() bool { return id == "" }

// Node is the identity of this process.
type Node struct {
	id      ID
	bootID  string
	dataDir string
}

// New creates dataDir if needed and resolves the node id. A configured id
// other than "" or "auto" wins and is not written to disk.
func New(dataDir, configured string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: data dir is empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	n := &Node{bootID: NewID(), dataDir: dataDir}
	if configured != "" && configured != autoID {
		if _, err := ulid.ParseStrict(configured); err != nil {
			return nil, fmt.Errorf("node: configured id %q: %w", configured, err)
		}
		n.id = ID(configured)
		return n, nil
	}

	id, err := readOrCreateID(filepath.Join(dataDir, idFileName))
	if err != nil {
		return nil, err
	}
	n.id = id
	return n, nil
}

func (n *Node) ID() ID { return n.id }

// BootID changes on every start.
func (n *Node) BootID() string { return n.bootID }

func (n *Node) DataDir() string { return n.dataDir }

// RequestStreamID tags the requests submitted during this run.
func (n *Node) RequestStreamID() int32 {
	return StreamID(n.id.String() + "/" + n.bootID)
}

// StreamID hashes seed to a positive int32.
func StreamID(seed string) int32 {
	if v := int32(xxhash.Sum64String(seed) & 0x7fffffff); v != 0 {
		return v
	}
	return 1
}

func readOrCreateID(path string) (ID, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		s := strings.TrimSpace(string(data))
		if _, err := ulid.ParseStrict(s); err != nil {
			return "", fmt.Errorf("node: %s holds %q: %w", path, s, err)
		}
		return ID(s), nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("node: %w", err)
	}

	id := ID(NewID())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: write id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("node: write id: %w", err)
	}
	return id, nil
}

// NewID returns a fresh ULID. Ids drawn by one process sort in the order
// they were drawn. The gateway uses them as request ids.
func NewID() string {
	return ulid.Make().String()
}
