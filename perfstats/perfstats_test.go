package perfstats

import (
	"testing"

	"go.viam.com/test"
)

func TestSampleAndSummarize(t *testing.T) {
	r := NewRecorder()
	r.BeginFrame(0)
	r.Sample("allocate", 1.0)
	r.Sample("allocate", 3.0)
	r.BeginFrame(1)
	r.Sample("allocate", 2.0)

	summary, ok := r.Summarize("allocate")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, summary.Count, test.ShouldEqual, 3)
	test.That(t, summary.Min, test.ShouldEqual, 1.0)
	test.That(t, summary.Max, test.ShouldEqual, 3.0)
	test.That(t, summary.Sum, test.ShouldEqual, 6.0)
	test.That(t, summary.Mean, test.ShouldEqual, 2.0)
}

func TestSummarizeUnknownKeyIsFalse(t *testing.T) {
	r := NewRecorder()
	_, ok := r.Summarize("nope")
	test.That(t, ok, test.ShouldBeFalse)
}

func TestStartRecordsElapsedDuration(t *testing.T) {
	r := NewRecorder()
	r.BeginFrame(0)
	stop := r.Start("update")
	stop()

	summary, ok := r.Summarize("update")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, summary.Count, test.ShouldEqual, 1)
	test.That(t, summary.Sum >= 0, test.ShouldBeTrue)
}

func TestKeysPreservesInsertionOrder(t *testing.T) {
	r := NewRecorder()
	r.BeginFrame(0)
	r.Sample("propagate", 1)
	r.Sample("allocate", 1)
	r.Sample("propagate", 1)

	test.That(t, r.Keys(), test.ShouldResemble, []string{"propagate", "allocate"})
}
