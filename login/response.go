package login

import (
	"fmt"
	"time"

	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/packet"
)

// Response status codes.
const (
	// StatusSuccess carries the negotiated tickets in t119.
	StatusSuccess uint8 = 0

	// StatusCaptcha asks for a slider (t192) or picture (t165/t105) captcha.
	StatusCaptcha uint8 = 2

	// StatusSMSOrDeviceLock asks for device-lock verification or an SMS code.
	StatusSMSOrDeviceLock uint8 = 160

	// StatusDeviceLockPassed asks for the follow-up device-lock login.
	StatusDeviceLockPassed uint8 = 204

	// StatusUnsafeDevice asks the user to verify the device at a URL.
	StatusUnsafeDevice uint8 = 239
)

// Response is one decoded wtlogin response.
type Response struct {
	SubCommand uint16
	Status     uint8
	TLVs       packet.TLVMap
	Challenge  Challenge
}

// DecodeResponse parses the decrypted oicq body of a wtlogin response and
// classifies it. Success material is stamped with issuedAt and, when the
// server gives no lifetime, expires after defaultLifetime.
func DecodeResponse(body []byte, tgtgtKey [crypto.TEAKeySize]byte, issuedAt time.Time, defaultLifetime time.Duration) (*Response, error) {
	r := packet.NewReader(body)
	resp := &Response{SubCommand: r.Uint16(), Status: r.Uint8()}
	r.Skip(2)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	tlvs, err := packet.ReadTLVMap(r.Rest(), 2, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	resp.TLVs = tlvs

	switch resp.Status {
	case StatusSuccess:
		s, err := decodeSuccess(tlvs, tgtgtKey, issuedAt, defaultLifetime)
		if err != nil {
			return nil, err
		}
		resp.Challenge = s
	case StatusCaptcha:
		resp.Challenge, err = decodeCaptcha(tlvs)
	case StatusSMSOrDeviceLock:
		switch {
		case tlvs.Has(tagT204):
			resp.Challenge = DeviceLockRedirect{URL: string(tlvs[tagT204])}
		case tlvs.Has(tagT178):
			resp.Challenge, err = decodeSMS(tlvs[tagT178])
		default:
			resp.Challenge = decodeFailure(resp.Status, tlvs)
		}
	case StatusUnsafeDevice:
		resp.Challenge = UnsafeDevice{URL: string(tlvs[tagT204])}
	case StatusDeviceLockPassed:
		resp.Challenge = DeviceLockPassed{T402: tlvs[tagT402], T403: tlvs[tagT403]}
	default:
		resp.Challenge = decodeFailure(resp.Status, tlvs)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func decodeCaptcha(tlvs packet.TLVMap) (Challenge, error) {
	if url, ok := tlvs.Get(tagT192); ok {
		return SliderCaptcha{URL: string(url)}, nil
	}
	raw, ok := tlvs.Get(tagT105)
	if !ok {
		if _, ok := tlvs.Get(tagT165); ok {
			return PictureCaptcha{}, nil
		}
		return nil, fmt.Errorf("%w: captcha response without t105 or t192", ErrMalformedResponse)
	}
	r := packet.NewReader(raw)
	signLen := int(r.Uint16())
	r.Skip(2)
	sign := r.Bytes(signLen)
	image := r.Rest()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: t105: %w", ErrMalformedResponse, err)
	}
	return PictureCaptcha{Image: image, Sign: sign}, nil
}

func decodeSMS(raw []byte) (Challenge, error) {
	r := packet.NewReader(raw)
	country := r.Uint16LV("country code")
	phone := r.Uint16LV("phone")
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: t178: %w", ErrMalformedResponse, err)
	}
	return SMSRequired{CountryCode: string(country), Phone: string(phone)}, nil
}

func decodeFailure(status uint8, tlvs packet.TLVMap) Failure {
	f := Failure{Status: status}
	if raw, ok := tlvs.Get(tagT146); ok {
		r := packet.NewReader(raw)
		r.Skip(2)
		f.Code = r.Uint16()
		f.Title = string(r.Uint16LV("title"))
		f.Message = string(r.Uint16LV("message"))
		f.Info = string(r.Uint16LV("info"))
		return f
	}
	if raw, ok := tlvs.Get(tagT149); ok {
		r := packet.NewReader(raw)
		r.Skip(2)
		f.Title = string(r.Uint16LV("title"))
		f.Message = string(r.Uint16LV("message"))
		f.Info = string(r.Uint16LV("info"))
	}
	return f
}

func decodeSuccess(tlvs packet.TLVMap, tgtgtKey [crypto.TEAKeySize]byte, issuedAt time.Time, defaultLifetime time.Duration) (Success, error) {
	sealed, ok := tlvs.Get(tagT119)
	if !ok {
		return Success{}, fmt.Errorf("%w: success without t119", ErrMalformedResponse)
	}
	plain, err := crypto.DecryptWithKey(tgtgtKey, sealed)
	if err != nil {
		return Success{}, fmt.Errorf("%w: t119: %w", ErrMalformedResponse, err)
	}
	if len(plain) < 2 {
		return Success{}, fmt.Errorf("%w: t119 too short", ErrMalformedResponse)
	}
	inner, err := packet.ReadTLVMap(plain[2:], 2, true)
	if err != nil {
		return Success{}, fmt.Errorf("%w: t119: %w", ErrMalformedResponse, err)
	}

	key, ok := inner.Get(tagT305)
	if !ok || len(key) != crypto.TEAKeySize {
		return Success{}, fmt.Errorf("%w: missing session key", ErrMalformedResponse)
	}
	d2, ok := inner.Get(tagT143)
	if !ok {
		return Success{}, fmt.Errorf("%w: missing d2 signature", ErrMalformedResponse)
	}

	var s Success
	copy(s.Tickets.D2Key[:], key)
	s.Tickets.D2 = d2
	s.Tickets.TGT = inner[tagT10A]
	s.Tickets.EncA1 = inner[tagT106]
	s.Tickets.NoPicSig = inner[tagT16A]
	s.Tickets.Lifetime = defaultLifetime
	if raw, ok := inner.Get(tagT138); ok {
		if d, ok := lifetimeOf(raw, tagT143); ok {
			s.Tickets.Lifetime = d
		}
	}
	if raw, ok := inner.Get(tagT11A); ok {
		s.Tickets.Nick = nickOf(raw)
	}

	s.Keys = crypto.KeyMaterial{
		Regime:     crypto.RegimeSession,
		SessionKey: s.Tickets.D2Key,
		D2:         s.Tickets.D2,
		TGT:        s.Tickets.TGT,
		IssuedAt:   issuedAt,
	}
	if s.Tickets.Lifetime > 0 {
		s.Keys.ExpiresAt = issuedAt.Add(s.Tickets.Lifetime)
	}
	return s, nil
}

// lifetimeOf reads the lifetime of tag from a t138 block:
// count u32, then count entries of tag u16, seconds u32, reserved u32.
func lifetimeOf(raw []byte, tag uint16) (time.Duration, bool) {
	r := packet.NewReader(raw)
	n := r.Uint32()
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		t := r.Uint16()
		secs := r.Uint32()
		r.Skip(4)
		if r.Err() == nil && t == tag {
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}

// nickOf reads the nickname from t11a: face u16, age u8, gender u8, then a
// one-byte length and the name.
func nickOf(raw []byte) string {
	r := packet.NewReader(raw)
	r.Skip(4)
	n := int(r.Uint8())
	name := r.Bytes(n)
	if r.Err() != nil {
		return ""
	}
	return string(name)
}
