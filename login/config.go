package login

import (
	"crypto/md5"
	"crypto/rand"
	"fmt"
	"time"
)

// Credentials identify the account being logged in.
type Credentials struct {
	Account     int64
	PasswordMD5 [16]byte
}

// NewCredentials hashes a plaintext password.
func NewCredentials(account int64, password string) Credentials {
	return Credentials{Account: account, PasswordMD5: md5.Sum([]byte(password))}
}

// Device is the device fingerprint presented during login. Generating and
// persisting it is the caller's concern.
type Device struct {
	GUID      [16]byte
	TGTGTKey  [16]byte
	IMEI      string
	AndroidID string
	MAC       string
	IMSI      string
	BSSID     string
	SSID      string
	APN       string
	SimInfo   string
	OSType    string
	OSVersion string
	Brand     string
	Model     string
}

// NewRandomDevice creates a device with random identifiers. It suits tests
// and throwaway sessions.
func NewRandomDevice() (Device, error) {
	d := Device{
		APN:       "wifi",
		SimInfo:   "T-Mobile",
		OSType:    "android",
		OSVersion: "10",
		Brand:     "imcore",
		Model:     "imcore",
		SSID:      "<unknown ssid>",
		BSSID:     "02:00:00:00:00:00",
	}
	var seed [24]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return Device{}, fmt.Errorf("generate device: %w", err)
	}
	if _, err := rand.Read(d.TGTGTKey[:]); err != nil {
		return Device{}, fmt.Errorf("generate device: %w", err)
	}
	d.IMEI = fmt.Sprintf("86%013d", uint64(seed[0])<<32|uint64(seed[1])<<24|uint64(seed[2])<<16|uint64(seed[3])<<8|uint64(seed[4]))
	d.AndroidID = fmt.Sprintf("%x", seed[5:13])
	d.MAC = fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", seed[13], seed[14], seed[15], seed[16], seed[17], seed[18])
	d.IMSI = fmt.Sprintf("460%012d", uint64(seed[19])<<24|uint64(seed[20])<<16|uint64(seed[21])<<8|uint64(seed[22]))
	d.GUID = md5.Sum([]byte(d.AndroidID + d.MAC))
	return d, nil
}

// Protocol holds the client constants presented to the server.
type Protocol struct {
	AppID         uint32
	SubAppID      uint32
	ClientVersion uint32
	SSOVersion    uint32
	MainSigMap    uint32
	SubSigMap     uint32
	MiscBitmap    uint32
	BuildTime     uint32
	SDKVersion    string
	ApkID         string
	ApkVersion    string
	ApkSign       [16]byte
	Domains       []string
}

// AndroidPhone returns the protocol constants of the Android phone client.
func AndroidPhone() Protocol {
	return Protocol{
		AppID:         16,
		SubAppID:      537066738,
		ClientVersion: 0,
		SSOVersion:    15,
		MainSigMap:    0x0FF7E1E0,
		SubSigMap:     0x10400,
		MiscBitmap:    0x08F7FF7C,
		BuildTime:     1609322643,
		SDKVersion:    "6.0.0.2454",
		ApkID:         "com.tencent.mobileqq",
		ApkVersion:    "8.5.0",
		ApkSign:       [16]byte{0xA6, 0xB7, 0x45, 0xBF, 0x24, 0xA2, 0xC2, 0x77, 0x52, 0x77, 0x16, 0xF6, 0xF3, 0x6E, 0xB6, 0x8D},
		Domains: []string{
			"tenpay.com", "openmobile.qq.com", "docs.qq.com", "connect.qq.com",
			"qzone.qq.com", "vip.qq.com", "qun.qq.com", "game.qq.com",
			"qqweb.qq.com", "office.qq.com", "ti.qq.com", "mail.qq.com",
			"qzone.com", "mma.qq.com",
		},
	}
}

// Tickets are the login signatures kept for later key refresh.
type Tickets struct {
	EncA1    []byte
	NoPicSig []byte
	TGT      []byte
	D2       []byte
	D2Key    [16]byte
	Lifetime time.Duration
	Nick     string
}

// Config configures one login machine.
type Config struct {
	Credentials Credentials
	Device      Device
	Protocol    Protocol
	// AllowSlider advertises slider captcha support to the server.
	AllowSlider bool
	// FirstAttempt marks the first connection of a session; only then may a
	// declined slider captcha restart the connect sequence.
	FirstAttempt bool
	// MaxRounds bounds the request/response round trips of one Run.
	MaxRounds int
	// DefaultLifetime applies when the server omits a D2 lifetime.
	DefaultLifetime time.Duration
}

// DefaultMaxRounds bounds a login handshake.
const DefaultMaxRounds = 16

// DefaultKeyLifetime applies when a success response carries no lifetime.
const DefaultKeyLifetime = 24 * time.Hour

// NewConfig returns a configuration with the Android phone protocol and
// sliders allowed.
func NewConfig(creds Credentials, device Device) Config {
	return Config{
		Credentials:     creds,
		Device:          device,
		Protocol:        AndroidPhone(),
		AllowSlider:     true,
		FirstAttempt:    true,
		MaxRounds:       DefaultMaxRounds,
		DefaultLifetime: DefaultKeyLifetime,
	}
}
