package snapshot

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/tliron/commonlog"
	"github.com/zeebo/blake3"

	"github.com/kestrelvm/kestrel/bytecode"
	"github.com/kestrelvm/kestrel/vm"
	"github.com/kestrelvm/kestrel/wire"
)

var log = commonlog.GetLogger("kestrel.snapshot")

// ---------------------------------------------------------------------------
// Sandbox snapshots
// ---------------------------------------------------------------------------
//
// A snapshot captures a quiescent sandbox: its module, its globals in wire
// form, its limits, and its consumed step budget. Live tasks are not
// captured; freezing a busy sandbox is an error rather than a best-effort
// guess at in-flight state.
//
// Container layout:
//
//	offset 0   magic "KSNP"
//	offset 4   format version (1 byte)
//	offset 5   BLAKE3-256 of the compressed payload (32 bytes)
//	offset 37  zstd-compressed CBOR image

var magic = [4]byte{'K', 'S', 'N', 'P'}

// FormatVersion is the current snapshot container version.
const FormatVersion byte = 1

const headerLen = 4 + 1 + 32

// Image is the decoded snapshot payload.
type Image struct {
	Module  []byte                `cbor:"1,keyasint"`
	Globals map[string]wire.Value `cbor:"2,keyasint,omitempty"`

	HeapLimit  int64  `cbor:"3,keyasint,omitempty"`
	TaskLimit  int64  `cbor:"4,keyasint,omitempty"`
	StepLimit  uint64 `cbor:"5,keyasint,omitempty"`
	StepsSpent uint64 `cbor:"6,keyasint,omitempty"`
}

// Freeze captures a sandbox into a snapshot blob. moduleData must be the
// encoded module currently loaded. The sandbox has to be quiescent: a
// sandbox with live tasks fails with ErrContextBusy.
func Freeze(sb *vm.Sandbox, moduleData []byte) ([]byte, error) {
	stats := sb.Stats()
	if stats.TasksLive > 0 {
		return nil, fmt.Errorf("snapshot: context %d: %w", sb.ID(), vm.ErrContextBusy)
	}
	globals, err := vm.ExportGlobals(sb.Context())
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	img := Image{
		Module:     moduleData,
		Globals:    globals,
		HeapLimit:  stats.HeapLimit,
		TaskLimit:  stats.TasksLimit,
		StepLimit:  stats.StepsLimit,
		StepsSpent: stats.Steps,
	}
	blob, err := encode(&img)
	if err != nil {
		return nil, err
	}
	log.Infof("froze sandbox %d: %d globals, %d bytes", sb.ID(), len(globals), len(blob))
	return blob, nil
}

// ThawOptions adjusts how a snapshot is restored.
type ThawOptions struct {
	// Limits, when non-nil, replaces the frozen limits.
	Limits *vm.ResourceLimits
	// Capabilities are granted to the thawed sandbox. Capabilities are
	// never captured in a snapshot: handlers are host state.
	Capabilities map[string]vm.Handler
}

// Thaw restores a snapshot into a fresh sandbox on the machine. The spent
// step budget carries over; thawing under a lower step limit than was
// already consumed fails with ResourceLimitExceeded.
func Thaw(m *vm.Machine, blob []byte, opts ThawOptions) (*vm.Sandbox, error) {
	img, err := Decode(blob)
	if err != nil {
		return nil, err
	}

	limits := vm.ResourceLimits{HeapBytes: img.HeapLimit, Tasks: img.TaskLimit, Steps: img.StepLimit}
	if opts.Limits != nil {
		limits = *opts.Limits
	}

	module, err := bytecode.Decode(img.Module)
	if err != nil {
		return nil, fmt.Errorf("snapshot: embedded module: %w", err)
	}

	sb := m.NewSandbox(vm.SandboxOptions{Limits: limits, Capabilities: opts.Capabilities})
	sb.Load(module)
	if img.StepsSpent > 0 {
		if err := sb.Context().Governor().ChargeSteps(img.StepsSpent); err != nil {
			sb.Terminate()
			return nil, fmt.Errorf("snapshot: frozen step count exceeds new budget: %w", err)
		}
	}
	if err := vm.ImportGlobals(sb.Context(), img.Globals); err != nil {
		sb.Terminate()
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	log.Infof("thawed snapshot into sandbox %d", sb.ID())
	return sb, nil
}

func encode(img *Image) ([]byte, error) {
	body, err := wire.Encode(img)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: zstd: %w", err)
	}
	compressed := enc.EncodeAll(body, nil)
	enc.Close()
	sum := blake3.Sum256(compressed)

	var buf bytes.Buffer
	buf.Grow(headerLen + len(compressed))
	buf.Write(magic[:])
	buf.WriteByte(FormatVersion)
	buf.Write(sum[:])
	buf.Write(compressed)
	return buf.Bytes(), nil
}

// Decode parses and verifies a snapshot blob without restoring it.
func Decode(blob []byte) (*Image, error) {
	if len(blob) < headerLen {
		return nil, fmt.Errorf("snapshot: truncated blob (%d bytes)", len(blob))
	}
	if !bytes.Equal(blob[:4], magic[:]) {
		return nil, fmt.Errorf("snapshot: bad magic %q", blob[:4])
	}
	if v := blob[4]; v != FormatVersion {
		return nil, fmt.Errorf("snapshot: unsupported format version %d", v)
	}
	compressed := blob[headerLen:]
	sum := blake3.Sum256(compressed)
	if !bytes.Equal(sum[:], blob[5:headerLen]) {
		return nil, fmt.Errorf("snapshot: checksum mismatch")
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: zstd: %w", err)
	}
	defer dec.Close()
	body, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: decompress: %w", err)
	}

	var img Image
	if err := wire.Decode(body, &img); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	return &img, nil
}
