package login

import (
	"fmt"

	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/packet"
)

// ServerRequest is a wtlogin request as seen by a server. It backs
// simulated servers.
type ServerRequest struct {
	SubCommand uint16
	TLVs       packet.TLVMap
}

// DecodeServerRequest parses the decrypted oicq body of a wtlogin request.
func DecodeServerRequest(body []byte) (*ServerRequest, error) {
	r := packet.NewReader(body)
	sub := r.Uint16()
	r.Skip(2)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	tlvs, err := packet.ReadTLVMap(r.Rest(), 2, true)
	if err != nil {
		return nil, err
	}
	return &ServerRequest{SubCommand: sub, TLVs: tlvs}, nil
}

// AllowsSlider reports whether the request advertises slider captcha support.
func (r *ServerRequest) AllowsSlider() bool {
	v, ok := r.TLVs.Get(tagT191)
	return ok && len(v) == 1 && v[0] == 0x82
}

// CaptchaAnswer returns the picture captcha text of a captcha submission.
func (r *ServerRequest) CaptchaAnswer() string {
	raw, ok := r.TLVs.Get(tagT2)
	if !ok {
		return ""
	}
	rd := packet.NewReader(raw)
	rd.Skip(2)
	return string(rd.Uint16LV("captcha answer"))
}

// SliderTicket returns the ticket of a slider submission.
func (r *ServerRequest) SliderTicket() string {
	return string(r.TLVs[tagT193])
}

// TGTGTKey recovers the client's tgtgt key from the password block.
func (r *ServerRequest) TGTGTKey(creds Credentials) ([crypto.TEAKeySize]byte, error) {
	var key [crypto.TEAKeySize]byte
	sealed, ok := r.TLVs.Get(tagT106)
	if !ok {
		return key, fmt.Errorf("%w: request without t106", ErrMalformedResponse)
	}
	plain, err := crypto.DecryptWithKey(t106Key(creds.PasswordMD5, creds.Account), sealed)
	if err != nil {
		return key, err
	}
	const offset = 2 + 4 + 4 + 4 + 4 + 8 + 4 + 4 + 1 + 16
	if len(plain) < offset+crypto.TEAKeySize {
		return key, fmt.Errorf("%w: t106 too short", ErrMalformedResponse)
	}
	copy(key[:], plain[offset:])
	return key, nil
}

// EncodeChallenge builds the wtlogin response body that DecodeResponse
// classifies as c. t104 is the challenge session token echoed by the next
// request.
func EncodeChallenge(sub uint16, c Challenge, tgtgtKey [crypto.TEAKeySize]byte, t104 []byte) ([]byte, error) {
	t := packet.NewTLVWriter()
	var status uint8
	switch c := c.(type) {
	case Success:
		status = StatusSuccess
		sealed, err := encodeT119(c.Tickets, tgtgtKey)
		if err != nil {
			return nil, err
		}
		t.Add(tagT119, sealed)
	case PictureCaptcha:
		status = StatusCaptcha
		t.AddFunc(tagT105, func(w *packet.Writer) {
			w.Uint16(uint16(len(c.Sign))).Uint16(0).Write(c.Sign).Write(c.Image)
		})
	case SliderCaptcha:
		status = StatusCaptcha
		t.Add(tagT192, []byte(c.URL))
	case UnsafeDevice:
		status = StatusUnsafeDevice
		t.Add(tagT204, []byte(c.URL))
	case DeviceLockRedirect:
		status = StatusSMSOrDeviceLock
		t.Add(tagT204, []byte(c.URL))
	case SMSRequired:
		status = StatusSMSOrDeviceLock
		t.AddFunc(tagT178, func(w *packet.Writer) {
			w.Uint16LV([]byte(c.CountryCode)).Uint16LV([]byte(c.Phone))
		})
	case DeviceLockPassed:
		status = StatusDeviceLockPassed
		t.Add(tagT402, c.T402)
		t.Add(tagT403, c.T403)
	case Failure:
		status = c.Status
		if status == StatusSuccess {
			status = 1
		}
		t.AddFunc(tagT146, func(w *packet.Writer) {
			w.Uint16(0).Uint16(c.Code).Uint16LV([]byte(c.Title)).Uint16LV([]byte(c.Message)).Uint16LV([]byte(c.Info))
		})
	default:
		return nil, fmt.Errorf("unknown challenge %T", c)
	}
	if t104 != nil {
		t.Add(tagT104, t104)
	}
	return packet.NewWriter().Uint16(sub).Uint8(status).Uint16(0).Write(t.Bytes()).Bytes(), nil
}

func encodeT119(tk Tickets, tgtgtKey [crypto.TEAKeySize]byte) ([]byte, error) {
	inner := packet.NewTLVWriter()
	inner.Add(tagT305, tk.D2Key[:])
	inner.Add(tagT143, tk.D2)
	if tk.TGT != nil {
		inner.Add(tagT10A, tk.TGT)
	}
	if tk.EncA1 != nil {
		inner.Add(tagT106, tk.EncA1)
	}
	if tk.NoPicSig != nil {
		inner.Add(tagT16A, tk.NoPicSig)
	}
	if tk.Lifetime > 0 {
		inner.AddFunc(tagT138, func(w *packet.Writer) {
			w.Uint32(1).Uint16(tagT143).Uint32(uint32(tk.Lifetime.Seconds())).Uint32(0)
		})
	}
	if tk.Nick != "" {
		inner.AddFunc(tagT11A, func(w *packet.Writer) {
			w.Uint16(0).Uint8(0).Uint8(0).Uint8(uint8(len(tk.Nick))).Write([]byte(tk.Nick))
		})
	}
	plain := packet.NewWriter().Uint16(inner.Count()).Write(inner.Bytes())
	return crypto.EncryptWithKey(tgtgtKey, plain.Bytes())
}
