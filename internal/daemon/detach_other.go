//go:build !unix

package daemon

func detach() error {
	return ErrUnsupported
}
