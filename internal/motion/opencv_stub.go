//go:build !gocv

package motion

const openCVAvailable = false

func newOpenCVMatcher(*Template, int, int) (matcher, error) {
	return nil, configErrorf("method %q requires a binary built with -tags gocv", MethodOpenCV)
}

func newOpenCVWarper(int, int, Interpolation) (warper, error) {
	return nil, configErrorf("method %q requires a binary built with -tags gocv", MethodOpenCV)
}
