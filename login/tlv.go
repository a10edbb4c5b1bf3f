package login

import (
	"crypto/md5"
	"encoding/binary"
	"strconv"

	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/packet"
)

// TLV tags used by the wtlogin exchange.
const (
	tagT1   = 0x1
	tagT2   = 0x2
	tagT8   = 0x8
	tagT18  = 0x18
	tagT100 = 0x100
	tagT104 = 0x104
	tagT105 = 0x105
	tagT106 = 0x106
	tagT107 = 0x107
	tagT109 = 0x109
	tagT10A = 0x10A
	tagT116 = 0x116
	tagT119 = 0x119
	tagT11A = 0x11A
	tagT124 = 0x124
	tagT128 = 0x128
	tagT138 = 0x138
	tagT141 = 0x141
	tagT142 = 0x142
	tagT143 = 0x143
	tagT144 = 0x144
	tagT145 = 0x145
	tagT146 = 0x146
	tagT147 = 0x147
	tagT149 = 0x149
	tagT154 = 0x154
	tagT165 = 0x165
	tagT16A = 0x16A
	tagT16E = 0x16E
	tagT177 = 0x177
	tagT178 = 0x178
	tagT187 = 0x187
	tagT188 = 0x188
	tagT191 = 0x191
	tagT192 = 0x192
	tagT193 = 0x193
	tagT194 = 0x194
	tagT202 = 0x202
	tagT204 = 0x204
	tagT305 = 0x305
	tagT401 = 0x401
	tagT402 = 0x402
	tagT403 = 0x403
	tagT511 = 0x511
	tagT516 = 0x516
	tagT521 = 0x521
)

// tlvBuilder writes wtlogin TLVs for one account, device and protocol.
type tlvBuilder struct {
	cfg   *Config
	clock crypto.TimeProvider
	rand  uint32
}

func md5Of(parts ...[]byte) []byte {
	h := md5.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func (b *tlvBuilder) uin() uint32 {
	return uint32(b.cfg.Credentials.Account)
}

func (b *tlvBuilder) now() uint32 {
	return uint32(b.clock.Now().Unix())
}

func (b *tlvBuilder) t1(t *packet.TLVWriter) {
	t.AddFunc(tagT1, func(w *packet.Writer) {
		w.Uint16(1).Uint32(b.rand).Uint32(b.uin()).Uint32(b.now()).Write(make([]byte, 4)).Uint16(0)
	})
}

func (b *tlvBuilder) t8(t *packet.TLVWriter) {
	t.AddFunc(tagT8, func(w *packet.Writer) {
		w.Uint16(0).Uint32(2052).Uint16(0)
	})
}

func (b *tlvBuilder) t18(t *packet.TLVWriter) {
	t.AddFunc(tagT18, func(w *packet.Writer) {
		w.Uint16(1).Uint32(0x600).Uint32(b.cfg.Protocol.AppID).Uint32(b.cfg.Protocol.ClientVersion).
			Uint32(b.uin()).Uint16(0).Uint16(0)
	})
}

// t106Key is the key protecting the password block: md5(passwordMD5, 0u32, uin).
func t106Key(passwordMD5 [16]byte, account int64) [crypto.TEAKeySize]byte {
	var key [crypto.TEAKeySize]byte
	var uin [4]byte
	binary.BigEndian.PutUint32(uin[:], uint32(account))
	copy(key[:], md5Of(passwordMD5[:], make([]byte, 4), uin[:]))
	return key
}

func (b *tlvBuilder) t106(t *packet.TLVWriter) error {
	p := &b.cfg.Protocol
	d := &b.cfg.Device
	plain := packet.NewWriter().
		Uint16(4).
		Uint32(b.rand).
		Uint32(p.SSOVersion).
		Uint32(p.AppID).
		Uint32(p.ClientVersion).
		Uint32(0).Uint32(b.uin()).
		Uint32(b.now()).
		Write(make([]byte, 4)).
		Uint8(1).
		Write(b.cfg.Credentials.PasswordMD5[:]).
		Write(d.TGTGTKey[:]).
		Uint32(0).
		Uint8(1).
		Write(d.GUID[:]).
		Uint32(p.SubAppID).
		Uint32(1).
		Uint16LV([]byte(strconv.FormatInt(b.cfg.Credentials.Account, 10))).
		Uint16(0)
	sealed, err := crypto.EncryptWithKey(t106Key(b.cfg.Credentials.PasswordMD5, b.cfg.Credentials.Account), plain.Bytes())
	if err != nil {
		return err
	}
	t.Add(tagT106, sealed)
	return nil
}

func (b *tlvBuilder) t116(t *packet.TLVWriter) {
	t.AddFunc(tagT116, func(w *packet.Writer) {
		w.Uint8(0).Uint32(b.cfg.Protocol.MiscBitmap).Uint32(b.cfg.Protocol.SubSigMap).Uint8(1).Uint32(1600000226)
	})
}

func (b *tlvBuilder) t100(t *packet.TLVWriter) {
	p := &b.cfg.Protocol
	t.AddFunc(tagT100, func(w *packet.Writer) {
		w.Uint16(1).Uint32(p.SSOVersion).Uint32(p.AppID).Uint32(p.SubAppID).Uint32(p.ClientVersion).Uint32(p.MainSigMap)
	})
}

func (b *tlvBuilder) t107(t *packet.TLVWriter) {
	t.AddFunc(tagT107, func(w *packet.Writer) {
		w.Uint16(0).Uint8(0).Uint16(0).Uint8(1)
	})
}

func (b *tlvBuilder) t142(t *packet.TLVWriter) {
	t.AddFunc(tagT142, func(w *packet.Writer) {
		w.Uint16(0).Uint16LV([]byte(b.cfg.Protocol.ApkID))
	})
}

// t144 carries the device description encrypted with the tgtgt key.
func (b *tlvBuilder) t144(t *packet.TLVWriter) error {
	d := &b.cfg.Device
	inner := packet.NewTLVWriter()
	inner.Add(tagT109, md5Of([]byte(d.AndroidID)))
	inner.AddFunc(tagT124, func(w *packet.Writer) {
		w.Uint16LV([]byte(d.OSType)).Uint16LV([]byte(d.OSVersion)).Uint16(2).Uint16LV([]byte(d.SimInfo)).Uint16LV(nil).Uint16LV([]byte(d.APN))
	})
	inner.AddFunc(tagT128, func(w *packet.Writer) {
		w.Uint16(0).Uint8(0).Uint8(1).Uint8(0).Uint32(0x11000000).
			Uint16LV([]byte(d.Model)).Uint16LV(d.GUID[:]).Uint16LV([]byte(d.Brand))
	})
	inner.Add(tagT16E, []byte(d.Model))

	plain := packet.NewWriter().Uint16(inner.Count()).Write(inner.Bytes())
	sealed, err := crypto.EncryptWithKey(d.TGTGTKey, plain.Bytes())
	if err != nil {
		return err
	}
	t.Add(tagT144, sealed)
	return nil
}

func (b *tlvBuilder) t145(t *packet.TLVWriter) {
	t.Add(tagT145, b.cfg.Device.GUID[:])
}

func (b *tlvBuilder) t147(t *packet.TLVWriter) {
	p := &b.cfg.Protocol
	t.AddFunc(tagT147, func(w *packet.Writer) {
		w.Uint32(p.AppID).Uint16LV([]byte(p.ApkVersion)).Uint16LV(p.ApkSign[:])
	})
}

func (b *tlvBuilder) t154(t *packet.TLVWriter, seq uint32) {
	t.AddFunc(tagT154, func(w *packet.Writer) { w.Uint32(seq) })
}

func (b *tlvBuilder) t141(t *packet.TLVWriter) {
	t.AddFunc(tagT141, func(w *packet.Writer) {
		w.Uint16(1).Uint16LV([]byte(b.cfg.Device.SimInfo)).Uint16(2).Uint16LV([]byte(b.cfg.Device.APN))
	})
}

func (b *tlvBuilder) t511(t *packet.TLVWriter) {
	domains := b.cfg.Protocol.Domains
	t.AddFunc(tagT511, func(w *packet.Writer) {
		w.Uint16(uint16(len(domains)))
		for _, d := range domains {
			w.Uint8(1).Uint16LV([]byte(d))
		}
	})
}

func (b *tlvBuilder) t187(t *packet.TLVWriter) { t.Add(tagT187, md5Of([]byte(b.cfg.Device.MAC))) }
func (b *tlvBuilder) t188(t *packet.TLVWriter) { t.Add(tagT188, md5Of([]byte(b.cfg.Device.AndroidID))) }
func (b *tlvBuilder) t194(t *packet.TLVWriter) { t.Add(tagT194, md5Of([]byte(b.cfg.Device.IMSI))) }

// t191 advertises which captcha kinds the client accepts.
func (b *tlvBuilder) t191(t *packet.TLVWriter, allowSlider bool) {
	var v byte
	if allowSlider {
		v = 0x82
	}
	t.Add(tagT191, []byte{v})
}

func (b *tlvBuilder) t202(t *packet.TLVWriter) {
	t.AddFunc(tagT202, func(w *packet.Writer) {
		w.Uint16LV(md5Of([]byte(b.cfg.Device.BSSID))).Uint16LV([]byte(b.cfg.Device.SSID))
	})
}

func (b *tlvBuilder) t177(t *packet.TLVWriter) {
	t.AddFunc(tagT177, func(w *packet.Writer) {
		w.Uint8(1).Uint32(b.cfg.Protocol.BuildTime).Uint16LV([]byte(b.cfg.Protocol.SDKVersion))
	})
}

func (b *tlvBuilder) t516(t *packet.TLVWriter) {
	t.AddFunc(tagT516, func(w *packet.Writer) { w.Uint32(0) })
}

func (b *tlvBuilder) t521(t *packet.TLVWriter) {
	t.AddFunc(tagT521, func(w *packet.Writer) { w.Uint32(0).Uint16(0) })
}
