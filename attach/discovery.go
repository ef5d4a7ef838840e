package attach

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// DefaultInspectorPort is assumed when a debug flag names no port.
const DefaultInspectorPort = 9229

// Candidate is a process in the debuggee's tree that advertises a debug
// port on its command line and can therefore be attached to.
type Candidate struct {
	PID     int
	Port    int
	Command string
}

var inspectFlag = regexp.MustCompile(`--inspect(?:-brk|-wait|-port)?(?:=(?:\S*:)?(\d+))?(?:\s|$)`)

// DiscoverChildren snapshots the process tree rooted at rootPID and
// returns descendants whose arguments advertise an inspector port. The
// snapshot is rebuilt on every call; already-running and newly spawned
// children alike are found, on demand.
func DiscoverChildren(ctx context.Context, rootPID int) ([]Candidate, error) {
	tree, err := snapshotProcesses(ctx)
	if err != nil {
		return nil, err
	}
	return tree.descendantsWithDebugPort(rootPID), nil
}

type processInfo struct {
	pid     int
	ppid    int
	command string
}

type processTree struct {
	byParent map[int][]processInfo
}

// snapshotProcesses reads the host's process table once. The result is
// read-only; a later discovery builds a fresh one.
func snapshotProcesses(ctx context.Context) (*processTree, error) {
	out, err := exec.CommandContext(ctx, "ps", "-axo", "pid=,ppid=,args=").Output()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return parseProcessTable(out), nil
}

func parseProcessTable(out []byte) *processTree {
	tree := &processTree{byParent: make(map[int][]processInfo)}
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		info := processInfo{pid: pid, ppid: ppid, command: strings.Join(fields[2:], " ")}
		tree.byParent[ppid] = append(tree.byParent[ppid], info)
	}
	return tree
}

func (t *processTree) descendantsWithDebugPort(rootPID int) []Candidate {
	var out []Candidate
	queue := []int{rootPID}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range t.byParent[pid] {
			if port, ok := debugPortFromArgs(child.command); ok {
				out = append(out, Candidate{PID: child.pid, Port: port, Command: child.command})
			}
			queue = append(queue, child.pid)
		}
	}
	return out
}

func debugPortFromArgs(command string) (int, bool) {
	m := inspectFlag.FindStringSubmatch(command)
	if m == nil {
		return 0, false
	}
	if m[1] == "" {
		return DefaultInspectorPort, true
	}
	port, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return port, true
}
