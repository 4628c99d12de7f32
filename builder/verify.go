package builder

import (
	"fmt"
	"io"

	"github.com/lastnameswayne/tinyimage/db"
	"github.com/lastnameswayne/tinyimage/recipe"
)

type LayerDiff struct {
	Index int
	Step  string
	A, B  string
}

func (d LayerDiff) Equal() bool {
	return d.A == d.B
}

// Report compares two builds of what should be the same inputs.
type Report struct {
	A, B          string
	ContextEqual  bool
	ManifestEqual bool
	Layers        []LayerDiff
}

// SourceEqual reports whether the application source layers match.
func (r Report) SourceEqual() bool {
	found := false
	for _, l := range r.Layers {
		if l.Step != recipe.StageSource {
			continue
		}
		found = true
		if !l.Equal() {
			return false
		}
	}
	return found
}

func (r Report) LayersEqual() bool {
	for _, l := range r.Layers {
		if !l.Equal() {
			return false
		}
	}
	return true
}

func (r Report) Reproducible() bool {
	return r.ContextEqual && r.ManifestEqual && r.LayersEqual()
}

func Verify(a, b *db.Build) Report {
	rep := Report{
		A:             a.ID,
		B:             b.ID,
		ContextEqual:  a.ContextDigest != "" && a.ContextDigest == b.ContextDigest,
		ManifestEqual: a.ManifestDigest != "" && a.ManifestDigest == b.ManifestDigest,
	}
	n := max(len(a.Layers), len(b.Layers))
	for i := 0; i < n; i++ {
		d := LayerDiff{Index: i}
		if i < len(a.Layers) {
			d.A = a.Layers[i].DiffID
			d.Step = a.Layers[i].Step
		}
		if i < len(b.Layers) {
			d.B = b.Layers[i].DiffID
			if d.Step == "" {
				d.Step = b.Layers[i].Step
			}
		}
		rep.Layers = append(rep.Layers, d)
	}
	return rep
}

func (r Report) Write(w io.Writer) {
	mark := func(ok bool) string {
		if ok {
			return "same"
		}
		return "DIFFERENT"
	}
	fmt.Fprintf(w, "build context   %s\n", mark(r.ContextEqual))
	fmt.Fprintf(w, "manifest        %s\n", mark(r.ManifestEqual))
	for _, l := range r.Layers {
		fmt.Fprintf(w, "layer %-3d %-13s %s\n", l.Index, l.Step, mark(l.Equal()))
	}
	fmt.Fprintf(w, "source layers   %s\n", mark(r.SourceEqual()))
}
