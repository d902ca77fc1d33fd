package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fortiblox/multivm/internal/types"
)

const builtinPrefix = "mvm:builtin:"

// Program is a guest compiled into the node binary.
type Program interface {
	Run(env *Env) ([]byte, error)
}

// ProgramFunc adapts a function to Program.
type ProgramFunc func(env *Env) ([]byte, error)

// Run implements Program.
func (f ProgramFunc) Run(env *Env) ([]byte, error) {
	return f(env)
}

var (
	builtinsMu sync.RWMutex
	builtins   = make(map[string]Program)
)

// RegisterBuiltin makes a program available under BuiltinImage(name).
// Registering a name twice panics.
func RegisterBuiltin(name string, p Program) {
	builtinsMu.Lock()
	defer builtinsMu.Unlock()
	if p == nil {
		panic("sandbox: RegisterBuiltin program is nil")
	}
	if _, dup := builtins[name]; dup {
		panic("sandbox: RegisterBuiltin called twice for " + name)
	}
	builtins[name] = p
}

// BuiltinImage returns the image bytes that select a builtin program.
func BuiltinImage(name string) []byte {
	return []byte(builtinPrefix + name)
}

func lookupBuiltin(image []byte) (Program, error) {
	name := strings.TrimPrefix(string(image), builtinPrefix)
	builtinsMu.RLock()
	p, ok := builtins[name]
	builtinsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: builtin program %q", types.ErrAccountResolution, name)
	}
	return p, nil
}

type builtinEngine struct{}

func (builtinEngine) validate(_ context.Context, _ types.ImageID, image []byte) error {
	_, err := lookupBuiltin(image)
	return err
}

func (builtinEngine) run(_ context.Context, _ types.ImageID, image []byte, env *Env) (out []byte, err error) {
	p, err := lookupBuiltin(image)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, types.Abortf("guest panicked: %v", r)
		}
	}()
	return p.Run(env)
}
