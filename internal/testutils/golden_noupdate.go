//go:build !updateGolden

package testutils

func ShouldUpdateGoldenFiles() bool {
	return false
}
