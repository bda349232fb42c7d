package ble

// PowerProbe reports whether the host radio is present and powered, as
// summarized by the platform integration layer.
type PowerProbe interface {
	Powered() (bool, error)
}

// PowerProbeFunc adapts a function to PowerProbe.
type PowerProbeFunc func() (bool, error)

// Powered calls f.
func (f PowerProbeFunc) Powered() (bool, error) { return f() }
