package core

import (
	"math"
	"testing"
)

func TestVec3Norm(t *testing.T) {
	cases := []struct {
		name string
		v    Vec3
		want float64
	}{
		{"zero", Vec3{}, 0},
		{"unit-x", Vec3{X: 1}, 1},
		{"3-4-0", Vec3{X: 3, Y: 4}, 5},
		{"negative", Vec3{X: -2, Y: -3, Z: -6}, 7},
	}
	for _, tc := range cases {
		if got := tc.v.Norm(); math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("%s: Norm() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestVec3FromKeepsAxisOrder(t *testing.T) {
	v := Vec3From([3]float64{1, 2, 3})
	if v.X != 1 || v.Y != 2 || v.Z != 3 {
		t.Fatalf("Vec3From = %+v, want {1 2 3}", v)
	}
}
