package model_test

import (
	"testing"

	"github.com/seantiz/flotilla/internal/model"
)

func TestJobKeyDeterministic(t *testing.T) {
	k1 := model.JobKey("e1", "00003")
	k2 := model.JobKey("e1", "00003")
	if k1 != k2 {
		t.Errorf("JobKey not stable: %q vs %q", k1, k2)
	}
	if k1 != "e1-00003" {
		t.Errorf("JobKey(e1, 00003) = %q, want e1-00003", k1)
	}

	other := model.JobKey("e1", "00004")
	if k1 == other {
		t.Errorf("distinct job ids produced the same key %q", k1)
	}
}

func TestCallIDFormat(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "00000"},
		{7, "00007"},
		{123, "00123"},
		{99999, "99999"},
	}
	for _, tt := range tests {
		if got := model.CallID(tt.in); got != tt.want {
			t.Errorf("CallID(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewActivationID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := model.NewActivationID()
		if len(id) != 12 {
			t.Fatalf("activation id %q has length %d, want 12", id, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate activation id %q", id)
		}
		seen[id] = true
	}
}

func TestValidWorkerTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{model.WorkerProvisioning, model.WorkerStarting, true},
		{model.WorkerStarting, model.WorkerSSHReady, true},
		{model.WorkerSSHReady, model.WorkerProxyReady, true},
		{model.WorkerProxyReady, model.WorkerRunning, true},
		{model.WorkerRunning, model.WorkerStopping, true},
		{model.WorkerStopping, model.WorkerStopped, true},
		{model.WorkerProvisioning, model.WorkerStopping, true},
		{model.WorkerStopped, model.WorkerRunning, false},
		{model.WorkerRunning, model.WorkerProvisioning, false},
		{model.WorkerProvisioning, model.WorkerRunning, false},
	}
	for _, tt := range tests {
		if got := model.ValidWorkerTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidWorkerTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPayloadCloneIsIndependent(t *testing.T) {
	auto := true
	p := &model.Payload{
		RuntimeName: "python3",
		ExecutorID:  "e1",
		JobID:       "00001",
		CallIDs:     []string{"00000", "00001"},
		DataByteRanges: [][2]int64{
			{0, 10},
			{11, 20},
		},
	}
	p.Config.Standalone.AutoDismantle = &auto

	c := p.Clone()
	c.CallIDs[0] = "99999"
	c.DataByteRanges[0] = [2]int64{100, 200}
	*c.Config.Standalone.AutoDismantle = false

	if p.CallIDs[0] != "00000" {
		t.Errorf("clone mutated original call ids: %v", p.CallIDs)
	}
	if p.DataByteRanges[0] != [2]int64{0, 10} {
		t.Errorf("clone mutated original byte ranges: %v", p.DataByteRanges)
	}
	if !*p.Config.Standalone.AutoDismantle {
		t.Error("clone mutated original auto dismantle override")
	}
}

func TestPayloadJobKey(t *testing.T) {
	p := &model.Payload{ExecutorID: "e1", JobID: "00003"}
	if got := p.JobKey(); got != "e1-00003" {
		t.Errorf("JobKey() = %q, want e1-00003", got)
	}
}
