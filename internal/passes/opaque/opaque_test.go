// SPDX-License-Identifier: Apache-2.0
package opaque

import (
	"testing"

	"irobf/internal/ir"
	"irobf/internal/rng"
)

func freshBuilder() (*ir.Function, *ir.Builder) {
	fn := ir.NewFunction("host", nil, &ir.VoidType{})
	b := fn.NewBlock("entry")
	return fn, ir.NewBuilder(fn, b)
}

func TestTrue_ProducesI1Value(t *testing.T) {
	_, bd := freshBuilder()
	s := rng.New(1)
	v := True(bd, s)
	if _, ok := v.Type.(*ir.IntType); !ok || v.Type.(*ir.IntType).Bits != 1 {
		t.Fatalf("expected a 1-bit result type, got %v", v.Type)
	}
}

func TestTrue_RotatesThroughIdentitiesAcrossSeeds(t *testing.T) {
	seen := map[int]bool{}
	for seed := uint64(0); seed < 50; seed++ {
		_, bd := freshBuilder()
		s := rng.New(seed)
		idx := s.Intn(len(identities))
		seen[idx] = true
		_ = True(bd, s)
	}
	if len(seen) < 2 {
		t.Fatal("expected the identity rotation to vary across seeds")
	}
}

func TestFalse_EmitsMoreInstructionsThanTrue(t *testing.T) {
	fn, bd := freshBuilder()
	s := rng.New(3)
	False(bd, s)
	if len(fn.Blocks[0].Instructions) == 0 {
		t.Fatal("expected False() to emit instructions into the block")
	}
	trueFn, trueBd := freshBuilder()
	True(trueBd, rng.New(3))
	if got, want := len(fn.Blocks[0].Instructions), len(trueFn.Blocks[0].Instructions); got <= want {
		t.Fatalf("expected False() to emit more instructions than True() for the same seed, got %d vs %d", got, want)
	}
}

func TestAllIdentities_InsertIntoBlock(t *testing.T) {
	for i, id := range identities {
		fn, bd := freshBuilder()
		x := loadFreshRandom(bd, rng.New(uint64(i)))
		result := id(bd, x)
		if result == nil {
			t.Fatalf("identity %d returned a nil value", i)
		}
		if len(fn.Blocks[0].Instructions) == 0 {
			t.Fatalf("identity %d emitted no instructions", i)
		}
	}
}
