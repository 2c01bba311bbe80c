package demreader

// UserCmd is one recorded client input frame. Fields are delta-encoded on
// the wire against the previous frame; absent fields decode as zero here,
// meaning "unchanged".
type UserCmd struct {
	CommandNumber uint32
	TickCount     uint32

	ViewAngles  Vector
	ForwardMove float32
	SideMove    float32
	UpMove      float32

	Buttons       uint32
	Impulse       byte
	WeaponSelect  int
	WeaponSubtype int
	MouseDX       int16
	MouseDY       int16
}

// decodeUserCmd reads one input frame; every field is guarded by a presence
// bit. endBit bounds the frame's span in the blob.
func decodeUserCmd(buf *BitBuffer, endBit uint) (UserCmd, error) {
	const op = "usercmd"
	var uc UserCmd

	optional := func(read func() error) error {
		present, err := buf.NextBit()
		if err != nil {
			return err
		}
		if !present {
			return nil
		}
		return read()
	}

	steps := []func() error{
		func() error {
			return optional(func() error {
				v, err := buf.NextUint(32)
				uc.CommandNumber = v
				return err
			})
		},
		func() error {
			return optional(func() error {
				v, err := buf.NextUint(32)
				uc.TickCount = v
				return err
			})
		},
		func() error {
			return optional(func() error {
				v, err := buf.NextFloat()
				uc.ViewAngles.X = v
				return err
			})
		},
		func() error {
			return optional(func() error {
				v, err := buf.NextFloat()
				uc.ViewAngles.Y = v
				return err
			})
		},
		func() error {
			return optional(func() error {
				v, err := buf.NextFloat()
				uc.ViewAngles.Z = v
				return err
			})
		},
		func() error {
			return optional(func() error {
				v, err := buf.NextFloat()
				uc.ForwardMove = v
				return err
			})
		},
		func() error {
			return optional(func() error {
				v, err := buf.NextFloat()
				uc.SideMove = v
				return err
			})
		},
		func() error {
			return optional(func() error {
				v, err := buf.NextFloat()
				uc.UpMove = v
				return err
			})
		},
		func() error {
			return optional(func() error {
				v, err := buf.NextUint(32)
				uc.Buttons = v
				return err
			})
		},
		func() error {
			return optional(func() error {
				v, err := buf.NextByte()
				uc.Impulse = v
				return err
			})
		},
		func() error {
			return optional(func() error {
				v, err := buf.NextUint(maxEntityBits)
				if err != nil {
					return err
				}
				uc.WeaponSelect = int(v)
				return optional(func() error {
					st, err := buf.NextUint(6)
					uc.WeaponSubtype = int(st)
					return err
				})
			})
		},
		func() error {
			return optional(func() error {
				v, err := buf.NextSignedInt(16)
				uc.MouseDX = int16(v)
				return err
			})
		},
		func() error {
			return optional(func() error {
				v, err := buf.NextSignedInt(16)
				uc.MouseDY = int16(v)
				return err
			})
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return uc, desyncf(op, "truncated input frame: %v", err)
		}
	}
	if buf.Cursor() > endBit {
		return uc, desyncf(op, "input frame overruns declared size")
	}
	return uc, nil
}
