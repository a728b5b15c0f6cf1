// Package build runs the image build pipeline: an ordered sequence of stages,
// each a function from the composed rootfs to a committed layer. Stage inputs
// are hashed into cache keys chained from the parent layer, so an unchanged
// stage replays its committed layer instead of re-executing, and a change to a
// later stage's inputs never invalidates an earlier stage. A stage failure
// aborts the build before any partial layer is committed.
package build
