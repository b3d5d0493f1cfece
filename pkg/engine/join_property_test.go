package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/engine/runtime"
)

// Every key written by several members ends up with the value of the
// last-declared writer, however long each member takes.
func TestJoinLaterDeclaredWinsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "members")
		keys := []string{"a", "b", "c"}

		members := make([]UnitStep, n)
		want := domain.DataBag{}
		for i := range members {
			key := rapid.SampledFrom(keys).Draw(t, fmt.Sprintf("key%d", i))
			delay := time.Duration(rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("delay%d", i))) * time.Millisecond
			value := i
			members[i] = Leaf(runtime.Func(fmt.Sprintf("m%d", i), func(context.Context, domain.DataBag) (domain.DataBag, error) {
				time.Sleep(delay)
				return domain.DataBag{key: value}, nil
			}))
			want[key] = value
		}

		preserve := rapid.Bool().Draw(t, "preserve")
		input := domain.DataBag{"a": -1, "input": true}
		if preserve {
			for k, v := range input {
				if _, overridden := want[k]; !overridden {
					want[k] = v
				}
			}
		}

		res, err := newTestExecutor().Execute(context.Background(), ParallelGroup{Members: members, PreserveInput: preserve}, input)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(res.Data) != len(want) {
			t.Fatalf("expected %v, got %v", want, res.Data)
		}
		for k, v := range want {
			if res.Data[k] != v {
				t.Fatalf("key %q: expected %v, got %v", k, v, res.Data[k])
			}
		}
	})
}

// A sequence of adders yields the input plus the sum of their increments,
// at any nesting.
func TestSequenceFoldProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		increments := rapid.SliceOfN(rapid.IntRange(-100, 100), 0, 8).Draw(t, "increments")
		nest := rapid.Bool().Draw(t, "nest")
		start := rapid.IntRange(-1000, 1000).Draw(t, "start")

		var step Step = Seq()
		total := start
		for i := len(increments) - 1; i >= 0; i-- {
			inc := increments[i]
			total += inc
			unit := Leaf(runtime.Func(fmt.Sprintf("add%d", i), func(_ context.Context, data domain.DataBag) (domain.DataBag, error) {
				return domain.DataBag{"v": data["v"].(int) + inc}, nil
			}))
			if nest {
				step = Seq(unit, step)
			} else {
				step = append(Seq(unit), step.(Sequence)...)
			}
		}

		res, err := newTestExecutor().Execute(context.Background(), step, domain.DataBag{"v": start})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Data["v"] != total {
			t.Fatalf("expected %d, got %v", total, res.Data["v"])
		}
	})
}
