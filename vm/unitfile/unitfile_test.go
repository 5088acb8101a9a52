package unitfile

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/passer/vm"
)

// sampleUnit builds main(r) = match r { {x: n} -> (label(n), 2.5), _ -> "no" }
// where label is a closure over a string constant.
func sampleUnit(t *testing.T) *vm.CompiledUnit {
	t.Helper()
	u := vm.NewUnitBuilder("sample")
	main := u.Function("main", 1)
	n := main.Local()
	prefix := main.Local()

	label := u.Function("label", 1)
	env := label.CaptureLocal(prefix)
	label.Line(2, 5)
	label.EmitByte(vm.OpLoadCapture, env)
	label.EmitByte(vm.OpLoadLocal, 0)
	label.MakeRecord("prefix", "n")
	label.Emit(vm.OpReturn)
	label.Finish()

	other := main.NewLabel()
	main.Line(1, 1)
	main.PushString("n=")
	main.EmitByte(vm.OpStoreLocal, prefix)
	main.EmitByte(vm.OpLoadLocal, 0)
	main.Match(vm.RecordPattern([]string{"x"}, vm.BindPattern("n", int(n))), other)
	main.Emit(vm.OpPop)
	main.Closure(label)
	main.EmitByte(vm.OpLoadLocal, n)
	main.EmitByte(vm.OpCall, 1)
	main.PushFloat(2.5)
	main.EmitByte(vm.OpMakeTuple, 2)
	main.Emit(vm.OpReturn)
	main.Mark(other)
	main.Emit(vm.OpPop)
	main.PushString("no")
	main.Emit(vm.OpReturn)
	main.Finish()

	unit, err := u.Build(main)
	if err != nil {
		t.Fatal(err)
	}
	return unit
}

// run loads unit into a fresh VM and runs main with the record {x: 7}.
func run(t *testing.T, unit *vm.CompiledUnit) string {
	t.Helper()
	machine := vm.New(vm.Config{})
	f, err := machine.Load(unit)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	arg, _ := machine.Heap().NewRecord([]vm.Field{{Name: "x", Value: vm.FromInt(7)}})
	out := machine.Resume(f, arg)
	if out.Status != vm.Completed {
		t.Fatalf("outcome = %v", out)
	}
	return machine.Inspect(out.Value)
}

func TestRoundTrip(t *testing.T) {
	unit := sampleUnit(t)
	data, err := Marshal(unit)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}

	want := `({prefix: "n=", n: 7}, 2.5)`
	if got := run(t, unit); got != want {
		t.Fatalf("original unit = %s, want %s", got, want)
	}
	if got := run(t, decoded); got != want {
		t.Errorf("decoded unit = %s, want %s", got, want)
	}
	if decoded.Name != "sample" || len(decoded.Lines) != 2 {
		t.Errorf("decoded name %q with %d lines", decoded.Name, len(decoded.Lines))
	}

	// Canonical encoding: re-encoding gives the same bytes.
	again, err := Marshal(decoded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, again) {
		t.Error("re-encoding a decoded unit changed its bytes")
	}
}

func TestHash(t *testing.T) {
	a, err := Hash(sampleUnit(t))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Hash(sampleUnit(t))
	if a != b {
		t.Error("equal units hash differently")
	}

	changed := sampleUnit(t)
	changed.Name = "other"
	c, _ := Hash(changed)
	if a == c {
		t.Error("renaming the unit did not change its hash")
	}
}

func TestUnmarshalRejects(t *testing.T) {
	wrongVersion, _ := encMode.Marshal(envelope{Magic: magic, Version: Version + 1, Unit: sampleUnit(t)})
	wrongMagic, _ := encMode.Marshal(envelope{Magic: "image", Version: Version, Unit: sampleUnit(t)})
	noUnit, _ := encMode.Marshal(envelope{Magic: magic, Version: Version})

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"garbage", []byte{0xFF, 0x00}, "unmarshal"},
		{"empty", nil, "unmarshal"},
		{"version", wrongVersion, "unsupported format version 2"},
		{"magic", wrongMagic, "not a compiled unit"},
		{"no unit", noUnit, "missing unit"},
	}
	for _, tt := range tests {
		_, err := Unmarshal(tt.data)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: Unmarshal error = %v, want %q", tt.name, err, tt.want)
		}
	}
}

func TestReadWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample"+Extension)
	if err := WriteFile(path, sampleUnit(t)); err != nil {
		t.Fatal(err)
	}
	unit, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := run(t, unit); got != `({prefix: "n=", n: 7}, 2.5)` {
		t.Errorf("unit read back runs to %s", got)
	}

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.pbu"))
	if err == nil || !strings.HasPrefix(err.Error(), "unitfile: ") {
		t.Errorf("ReadFile(missing) error = %v", err)
	}
}

// FuzzUnmarshal checks that decoding, verifying and loading arbitrary
// bytes never panics.
func FuzzUnmarshal(f *testing.F) {
	u := vm.NewUnitBuilder("seed")
	main := u.Function("main", 0)
	main.Emit(vm.OpPushUnit)
	main.Emit(vm.OpReturn)
	main.Finish()
	seed, _ := u.Build(main)
	data, _ := Marshal(seed)
	f.Add(data)
	f.Add([]byte{})
	f.Add([]byte{0xA0})

	f.Fuzz(func(t *testing.T, data []byte) {
		unit, err := Unmarshal(data)
		if err != nil {
			return
		}
		if vm.Verify(unit) != nil {
			return
		}
		machine := vm.New(vm.Config{})
		_, _ = machine.Load(unit)
	})
}
