package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
)

// Flag is the tree frame's flag field (spec.md §3, §6).
type Flag int

const (
	FlagTopologyPropagate Flag = 1
	FlagTopologyChanged   Flag = 2
	// FlagApp and above: any flag >= FlagAppMin is an application frame;
	// the application layer owns the exact value.
	FlagAppMin Flag = 3
)

// DstParent and DstChildren are the two reserved non-id destination
// strings used by the tree frame's dst field (spec.md §3: "parent" is a
// beacon consumed only for MAC registration; "children" addresses a
// TopologyChanged fan-out to every direct child).
const (
	DstParent   = "parent"
	DstChildren = "children"
)

// TreeFrame is one newline-delimited tree-layer record (spec.md §3, §6):
// {"src":"<hex12>","dst":"<hex12>|\"ffffffffffff\"|\"parent\"|\"children\"","flag":<int>,"msg":<any>}
type TreeFrame struct {
	Src  meshid.ID       `json:"src"`
	Dst  string          `json:"dst"`
	Flag Flag            `json:"flag"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// DstIsBroadcast reports whether this frame's destination is "every node".
func (f TreeFrame) DstIsBroadcast() bool {
	return f.Dst == meshid.Broadcast.String()
}

// DstID parses Dst as a node id; ok is false for the "parent"/"children"
// sentinels which are not real node ids.
func (f TreeFrame) DstID() (id meshid.ID, ok bool) {
	if f.Dst == DstParent || f.Dst == DstChildren {
		return id, false
	}
	id, err := meshid.Parse(f.Dst)
	return id, err == nil
}

// EncodeTreeFrame marshals f as JSON followed by a single '\n', matching
// the original firmware's `writer.write('{}\n'.format(...))`.
func EncodeTreeFrame(f TreeFrame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("wire: encode tree frame: %w", err)
	}
	return append(b, '\n'), nil
}

// TreeFrameReader reads one newline-delimited TreeFrame at a time from a
// byte stream (the per-peer connection reader, spec.md §3).
type TreeFrameReader struct {
	r *bufio.Reader
}

// NewTreeFrameReader wraps r for line-at-a-time tree frame reads.
func NewTreeFrameReader(r io.Reader) *TreeFrameReader {
	return &TreeFrameReader{r: bufio.NewReader(r)}
}

// ReadFrame reads one line and decodes it. Unknown flags are not
// rejected here (the decode itself always succeeds on well-formed
// JSON); callers drop frames with a flag they don't recognize, per
// spec.md §4.1 "Unknown flags drop the frame."
func (tr *TreeFrameReader) ReadFrame() (TreeFrame, error) {
	var f TreeFrame
	line, err := tr.r.ReadString('\n')
	if err != nil && len(line) == 0 {
		return f, err
	}
	if jerr := json.Unmarshal([]byte(line), &f); jerr != nil {
		return f, fmt.Errorf("wire: decode tree frame: %w", jerr)
	}
	return f, nil
}

// KnownFlag reports whether flag is one this codec understands: the two
// named control flags, or any value taken to be an application frame.
func KnownFlag(flag Flag) bool {
	return flag == FlagTopologyPropagate || flag == FlagTopologyChanged || flag >= FlagAppMin
}
