package ata

import (
	"errors"
	"testing"
)

func TestResultErr(t *testing.T) {
	tests := map[string]struct {
		result   Result
		expected error
	}{
		"ok":         {Result{Outcome: OK}, nil},
		"command":    {Result{Outcome: Failed, Status: StatusERR, Error: ErrorABRT, Fault: FaultTaskFile}, ErrCommand},
		"controller": {Result{Outcome: Failed, Status: StatusERR, Error: ErrorICRC, Fault: FaultHostBus}, ErrControllerFault},
		"df":         {Result{Outcome: DeviceFault, Status: StatusDF}, ErrDeviceFault},
		"timeout":    {Result{Outcome: TimedOut}, ErrTimeout},
		"dma":        {Result{Outcome: DMAError}, ErrDMA},
		"gone":       {Result{Outcome: Gone}, ErrGone},
		"reset":      {Result{Outcome: Reset}, ErrReset},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.result.Err()
			if tc.expected == nil {
				if err != nil {
					t.Fatalf("expected nil, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.expected) {
				t.Fatalf("expected %v, got %v", tc.expected, err)
			}
			var e *Error
			if !errors.As(err, &e) || e.Status != tc.result.Status || e.Err != tc.result.Error {
				t.Fatalf("unexpected error %#v", err)
			}
		})
	}
}

func TestXferFinish(t *testing.T) {
	calls := 0
	x := NewXfer(0, &Command{Command: CmdFlushCache})
	x.Done = func(*Xfer) { calls++ }
	if x.Finished() {
		t.Fatal("finished before Finish")
	}
	x.Finish()
	x.Finish()
	<-x.Wait()
	if !x.Finished() || calls != 1 {
		t.Fatalf("expected one completion, got %d", calls)
	}
}

func TestClassify(t *testing.T) {
	tests := map[uint32]DriveType{
		SigATA:     DriveATA,
		SigATAPI:   DriveATAPI,
		SigPM:      DrivePM,
		SigSEMB:    DriveSEMB,
		SigInvalid: DriveNone,
		0x12340101: DriveNone,
	}
	for sig, expected := range tests {
		if got := Classify(sig); got != expected {
			t.Errorf("%#08x: expected %v, got %v", sig, expected, got)
		}
	}
}
