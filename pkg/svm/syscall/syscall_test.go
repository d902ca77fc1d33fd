package syscall

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/minio/sha256-simd"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/multivm/pkg/svm/sbpf"
)

type recordingHost struct {
	logs   []string
	output []byte
}

func (h *recordingHost) Log(msg string)            { h.logs = append(h.logs, msg) }
func (h *recordingHost) SetReturnData(data []byte) { h.output = data }
func (h *recordingHost) ReturnData() []byte        { return h.output }

// lddw emits the two slots loading a 64-bit constant.
func lddw(dst uint8, v uint64) []uint64 {
	return []uint64{
		sbpf.Encode(sbpf.OpLddw, dst, 0, 0, int32(uint32(v))),
		sbpf.Encode(0, 0, 0, 0, int32(uint32(v>>32))),
	}
}

func call(name string) uint64 {
	return sbpf.Encode(sbpf.OpCall, 0, 0, 0, int32(sbpf.SymbolHash(name)))
}

func exit() []uint64 {
	return []uint64{sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 0), sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)}
}

// sliceRO lays out one (ptr, len) descriptor followed by the payload.
func sliceRO(payload string) []byte {
	ro := make([]byte, 16, 16+len(payload))
	binary.LittleEndian.PutUint64(ro[0:], sbpf.VaddrProgram+16)
	binary.LittleEndian.PutUint64(ro[8:], uint64(len(payload)))
	return append(ro, payload...)
}

func run(t *testing.T, host *recordingHost, ro []byte, text ...[]uint64) (*sbpf.Interpreter, error) {
	t.Helper()
	var ins []uint64
	for _, part := range text {
		ins = append(ins, part...)
	}
	ip := sbpf.NewInterpreter(&sbpf.Program{Text: ins, RO: ro}, nil, sbpf.Options{
		Syscalls: NewRegistry(host).Lookup(),
		Meter:    sbpf.NewComputeMeter(100_000),
	})
	_, err := ip.Run()
	return ip, err
}

func TestLog(t *testing.T) {
	host := &recordingHost{}
	_, err := run(t, host, []byte("hello"),
		lddw(1, sbpf.VaddrProgram),
		[]uint64{sbpf.Encode(sbpf.OpMov64Imm, 2, 0, 0, 5), call("sol_log_")},
		exit(),
	)
	require.NoError(t, err)
	require.Equal(t, []string{"hello"}, host.logs)
}

func TestHashes(t *testing.T) {
	keccak := sha3.NewLegacyKeccak256()
	keccak.Write([]byte("hello"))
	sha := sha256.Sum256([]byte("hello"))
	b3 := blake3.Sum256([]byte("hello"))

	tests := []struct {
		name string
		want []byte
	}{
		{"sol_sha256", sha[:]},
		{"sol_keccak256", keccak.Sum(nil)},
		{"sol_blake3", b3[:]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip, err := run(t, &recordingHost{}, sliceRO("hello"),
				lddw(1, sbpf.VaddrProgram),
				[]uint64{sbpf.Encode(sbpf.OpMov64Imm, 2, 0, 0, 1)},
				lddw(3, sbpf.VaddrHeap),
				[]uint64{call(tt.name)},
				exit(),
			)
			require.NoError(t, err)
			got := make([]byte, 32)
			require.NoError(t, ip.Read(sbpf.VaddrHeap, got))
			require.Equal(t, tt.want, got)
		})
	}
}

func TestMemcpy(t *testing.T) {
	ip, err := run(t, &recordingHost{}, []byte("abcdef"),
		lddw(1, sbpf.VaddrHeap+8),
		lddw(2, sbpf.VaddrProgram+2),
		[]uint64{sbpf.Encode(sbpf.OpMov64Imm, 3, 0, 0, 3), call("sol_memcpy_")},
		exit(),
	)
	require.NoError(t, err)
	got := make([]byte, 3)
	require.NoError(t, ip.Read(sbpf.VaddrHeap+8, got))
	require.Equal(t, "cde", string(got))
}

func TestReturnData(t *testing.T) {
	host := &recordingHost{}
	_, err := run(t, host, []byte("out!"),
		lddw(1, sbpf.VaddrProgram),
		[]uint64{sbpf.Encode(sbpf.OpMov64Imm, 2, 0, 0, 4), call("sol_set_return_data")},
		exit(),
	)
	require.NoError(t, err)
	require.Equal(t, []byte("out!"), host.output)
}

func TestAbort(t *testing.T) {
	_, err := run(t, &recordingHost{}, nil, []uint64{call("abort")}, exit())
	require.True(t, errors.Is(err, ErrAbort), "got %v", err)
}

func TestSyscallsChargeMeter(t *testing.T) {
	ip := sbpf.NewInterpreter(&sbpf.Program{
		Text: append([]uint64{call("sol_log_64_")}, exit()...),
	}, nil, sbpf.Options{
		Syscalls: NewRegistry(&recordingHost{}).Lookup(),
		Meter:    sbpf.NewComputeMeter(CUSyscallBase),
	})
	_, err := ip.Run()
	require.ErrorIs(t, err, sbpf.ErrComputeExceeded)
}
