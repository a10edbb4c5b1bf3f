package login

import (
	"github.com/opd-ai/imcore/packet"
)

// Command names of the wtlogin exchange.
const (
	// CommandLogin carries every login handshake request.
	CommandLogin = "wtlogin.login"

	// CommandExchangeEmp carries the session key refresh.
	CommandExchangeEmp = "wtlogin.exchange_emp"
)

// wtlogin subcommands.
const (
	// SubCommandLogin is the password login.
	SubCommandLogin uint16 = 9

	// SubCommandCaptcha submits a picture answer or slider ticket.
	SubCommandCaptcha uint16 = 2

	// SubCommandSMSRequest asks the server to send an SMS code.
	SubCommandSMSRequest uint16 = 7

	// SubCommandExchangeEmp refreshes the session key.
	SubCommandExchangeEmp uint16 = 15

	// SubCommandDeviceLock is the follow-up login after device-lock verification.
	SubCommandDeviceLock uint16 = 20
)

func withSubCommand(sub uint16, t *packet.TLVWriter) []byte {
	return packet.NewWriter().Uint16(sub).Uint16(t.Count()).Write(t.Bytes()).Bytes()
}

// loginBody builds the password login request.
func (b *tlvBuilder) loginBody(allowSlider bool, seq uint32) ([]byte, error) {
	t := packet.NewTLVWriter()
	b.t18(t)
	b.t1(t)
	if err := b.t106(t); err != nil {
		return nil, err
	}
	b.t116(t)
	b.t100(t)
	b.t107(t)
	b.t142(t)
	if err := b.t144(t); err != nil {
		return nil, err
	}
	b.t145(t)
	b.t147(t)
	b.t154(t, seq)
	b.t141(t)
	b.t8(t)
	b.t511(t)
	b.t187(t)
	b.t188(t)
	b.t194(t)
	b.t191(t, allowSlider)
	b.t202(t)
	b.t177(t)
	b.t516(t)
	b.t521(t)
	return withSubCommand(SubCommandLogin, t), nil
}

// pictureCaptchaBody submits the text of a picture captcha.
func (b *tlvBuilder) pictureCaptchaBody(result string, sign, t104 []byte) []byte {
	t := packet.NewTLVWriter()
	t.AddFunc(tagT2, func(w *packet.Writer) {
		w.Uint16(0).Uint16LV([]byte(result)).Uint16LV(sign)
	})
	b.t8(t)
	t.Add(tagT104, t104)
	b.t116(t)
	return withSubCommand(SubCommandCaptcha, t)
}

// sliderCaptchaBody submits a slider ticket.
func (b *tlvBuilder) sliderCaptchaBody(ticket string, t104 []byte) []byte {
	t := packet.NewTLVWriter()
	t.Add(tagT193, []byte(ticket))
	b.t8(t)
	t.Add(tagT104, t104)
	b.t116(t)
	return withSubCommand(SubCommandCaptcha, t)
}

// deviceLockBody completes a device-lock login after verification.
func (b *tlvBuilder) deviceLockBody(t104, t401 []byte) []byte {
	t := packet.NewTLVWriter()
	b.t8(t)
	t.Add(tagT104, t104)
	b.t116(t)
	t.Add(tagT401, t401)
	return withSubCommand(SubCommandDeviceLock, t)
}

// exchangeEmpBody requests fresh session keys with the stored tickets.
func (b *tlvBuilder) exchangeEmpBody(tk *Tickets, seq uint32) ([]byte, error) {
	t := packet.NewTLVWriter()
	b.t18(t)
	b.t1(t)
	t.Add(tagT106, tk.EncA1)
	b.t116(t)
	b.t100(t)
	b.t107(t)
	if err := b.t144(t); err != nil {
		return nil, err
	}
	b.t142(t)
	b.t145(t)
	t.Add(tagT16A, tk.NoPicSig)
	b.t154(t, seq)
	b.t141(t)
	b.t8(t)
	b.t511(t)
	b.t147(t)
	b.t177(t)
	b.t187(t)
	b.t188(t)
	b.t194(t)
	b.t202(t)
	return withSubCommand(SubCommandExchangeEmp, t), nil
}
