package cpu

import "testing"

func TestSATP(t *testing.T) {
	defer func() {
		for hart := 0; hart < MaxHarts; hart++ {
			WriteSATP(hart, 0)
		}
	}()

	specs := []struct {
		mode, ppn uint64
		exp       uint64
	}{
		{SatpModeBare, 0, 0},
		{SatpModeSv39, 0x80000, 0x8000000000080000},
		{SatpModeSv39, SatpPPNMask, 0x80000fffffffffff},
		// bits above the PPN field are dropped
		{SatpModeSv39, 1 << 44, 0x8000000000000000},
	}

	for specIndex, spec := range specs {
		got := MakeSATP(spec.mode, spec.ppn)
		if got != spec.exp {
			t.Errorf("[spec %d] expected MakeSATP to return 0x%x; got 0x%x", specIndex, spec.exp, got)
		}

		hart := specIndex % MaxHarts
		WriteSATP(hart, got)
		if readBack := ReadSATP(hart); readBack != got {
			t.Errorf("[spec %d] expected ReadSATP(%d) to return 0x%x; got 0x%x", specIndex, hart, got, readBack)
		}
	}
}

func TestValidHart(t *testing.T) {
	specs := []struct {
		id  int
		exp bool
	}{
		{-1, false},
		{0, true},
		{MaxHarts - 1, true},
		{MaxHarts, false},
	}

	for specIndex, spec := range specs {
		if got := ValidHart(spec.id); got != spec.exp {
			t.Errorf("[spec %d] expected ValidHart(%d) to return %t; got %t", specIndex, spec.id, spec.exp, got)
		}
	}
}

func TestHartIdle(t *testing.T) {
	h := Hart{ID: 1, CurrentProc: NoProcess}
	if !h.Idle() {
		t.Fatal("expected hart with no process to be idle")
	}

	h.CurrentProc = 3
	if h.Idle() {
		t.Fatal("expected hart running slot 3 not to be idle")
	}
}

func TestHalt(t *testing.T) {
	defer func() {
		err, ok := recover().(*HaltError)
		if !ok {
			t.Fatalf("expected Halt to unwind with *HaltError; got %v", err)
		}

		if exp := "hart halted"; err.Error() != exp {
			t.Fatalf("expected error message %q; got %q", exp, err.Error())
		}
	}()

	Halt()
	t.Fatal("expected Halt not to return")
}
