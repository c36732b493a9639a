package v4l2

// FormatBuilder changes a queue format starting from the current one.
// Errors are deferred until Apply or Try.
type FormatBuilder[D Direction] struct {
	q   *Queue[D]
	f   Format
	err error
}

// ChangeFormat starts a format change from the current format.
func (q *Queue[D]) ChangeFormat() *FormatBuilder[D] {
	f, err := q.Format()
	return &FormatBuilder[D]{q: q, f: f, err: err}
}

// SetPixelFormat selects the pixel format, e.g. FourCC("FWHT").
func (b *FormatBuilder[D]) SetPixelFormat(pf PixelFormat) *FormatBuilder[D] {
	b.f.PixelFormat = pf
	return b
}

// SetSize sets the frame dimensions. Per-plane sizes are left to the driver.
func (b *FormatBuilder[D]) SetSize(width, height uint32) *FormatBuilder[D] {
	b.f.Width, b.f.Height = width, height
	b.f.Planes = nil
	return b
}

func (b *FormatBuilder[D]) SetField(field uint32) *FormatBuilder[D] {
	b.f.Field = field
	return b
}

// SetPlanes requests explicit plane layouts.
func (b *FormatBuilder[D]) SetPlanes(planes ...PlaneFormat) *FormatBuilder[D] {
	if len(planes) > MaxPlanes {
		b.err = NewError("S_FMT", ErrCodeInvalidParameters, "too many planes")
		return b
	}
	b.f.Planes = append([]PlaneFormat(nil), planes...)
	return b
}

// Format returns the format as built so far.
func (b *FormatBuilder[D]) Format() Format { return b.f }

// Apply sets the format and returns what the driver chose.
func (b *FormatBuilder[D]) Apply() (Format, error) {
	if b.err != nil {
		return Format{}, b.err
	}
	return b.q.SetFormat(b.f)
}

// Try negotiates the format without applying it.
func (b *FormatBuilder[D]) Try() (Format, error) {
	if b.err != nil {
		return Format{}, b.err
	}
	return b.q.TryFormat(b.f)
}
