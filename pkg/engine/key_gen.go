package engine

import (
	"hash/fnv"
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	keyNodeOnce sync.Once
	keyNode     *snowflake.Node
)

// generateKey issues a unique int64 for processes, executions, variables
// and incidents. Keys are snowflake ids, so they sort by creation time.
func (engine *Engine) generateKey() int64 {
	return engine.snowflake.Generate().Int64()
}

// sharedKeyNode returns the process-wide snowflake node. The node id is
// derived from the hostname and pid, so replicas started from the same
// image land on different ids without any coordination.
func sharedKeyNode() *snowflake.Node {
	keyNodeOnce.Do(func() {
		host, _ := os.Hostname()
		seed := fnv.New32a()
		_, _ = seed.Write([]byte(host))
		_, _ = seed.Write([]byte(strconv.Itoa(os.Getpid())))
		node, err := snowflake.NewNode(int64(seed.Sum32() % 1024))
		if err != nil {
			panic("failed to initialize the snowflake key node: " + err.Error())
		}
		keyNode = node
	})
	return keyNode
}
