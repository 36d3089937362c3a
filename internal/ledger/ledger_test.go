// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ledger

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/basalt-compute/noded/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared", DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateGetUpdateDeleteRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateConsumer(ctx, "pubkey-1"); err != nil {
		t.Fatalf("CreateConsumer() = %v", err)
	}
	consumer, err := s.GetConsumer(ctx, "pubkey-1")
	if err != nil {
		t.Fatalf("GetConsumer() = %v", err)
	}

	run, err := s.CreateRun(ctx, model.RunAgent, model.RunInput{
		ConsumerID: consumer.ID,
		Inputs:     map[string]any{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("CreateRun() = %v", err)
	}
	if run.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", run.Status)
	}

	got, err := s.GetRun(ctx, model.RunAgent, run.ID)
	if err != nil {
		t.Fatalf("GetRun() = %v", err)
	}
	if diff := cmp.Diff(run.Inputs, got.Inputs); diff != "" {
		t.Errorf("GetRun() inputs mismatch (-want +got):\n%s", diff)
	}

	got.MarkCompleted(got.CreatedTime, []string{"Hello, Ada!"})
	ok, err := s.UpdateRun(ctx, model.RunAgent, run.ID, got)
	if err != nil {
		t.Fatalf("UpdateRun() = %v", err)
	}
	if !ok {
		t.Fatal("UpdateRun() = false, want true")
	}

	updated, err := s.GetRun(ctx, model.RunAgent, run.ID)
	if err != nil {
		t.Fatalf("GetRun() after update = %v", err)
	}
	if updated.Status != model.StatusCompleted || len(updated.Results) != 1 {
		t.Errorf("updated run = %+v, want completed with 1 result", updated)
	}

	list, err := s.ListRuns(ctx, model.RunAgent)
	if err != nil {
		t.Fatalf("ListRuns() = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListRuns() = %d runs, want 1", len(list))
	}

	deleted, err := s.DeleteRun(ctx, model.RunAgent, run.ID)
	if err != nil {
		t.Fatalf("DeleteRun() = %v", err)
	}
	if !deleted {
		t.Error("DeleteRun() = false, want true")
	}
	if _, err := s.GetRun(ctx, model.RunAgent, run.ID); err == nil {
		t.Error("GetRun() after delete = nil error, want ErrNotFound")
	}
}

func TestUpdateRunNotFound(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.UpdateRun(context.Background(), model.RunTool, "missing", model.Run{})
	if err != nil {
		t.Fatalf("UpdateRun() = %v", err)
	}
	if ok {
		t.Error("UpdateRun() = true, want false for missing row")
	}
}

func TestCreateConsumerIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a, err := s.CreateConsumer(ctx, "pk")
	if err != nil {
		t.Fatalf("CreateConsumer() = %v", err)
	}
	b, err := s.CreateConsumer(ctx, "pk")
	if err != nil {
		t.Fatalf("second CreateConsumer() = %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("ids differ across repeated CreateConsumer: %q vs %q", a.ID, b.ID)
	}
}

func TestPoolStats(t *testing.T) {
	s := openTestStore(t)
	stats := s.Stats()
	if stats.OpenConnections < 0 {
		t.Errorf("Stats() = %+v, want non-negative", stats)
	}
}
