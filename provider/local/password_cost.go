//go:build !race

package local

func passwordHashCost() int {
	return 12
}
