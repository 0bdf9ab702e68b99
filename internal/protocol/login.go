package protocol

import (
	"fmt"
)

// Login request layout (command 103, sent in clear on the login socket):
//
//	[0:17]   header
//	[17:49]  credential, 32 ASCII hex chars
//	[49:61]  fixed client flags
//	[61:77]  CAPTCHA token echoed from the last challenge
//	[77:81]  CAPTCHA answer
//	[81:147] client tail ("unknown" channel marker, zero padded)
const (
	CredentialSize    = 32
	CaptchaTokenSize  = 16
	CaptchaAnswerSize = 4
	SessionTokenSize  = 16
	loginRequestSize  = 147
	enterPayloadSize  = 80
)

var (
	loginFlags = []byte{0, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0}
	loginTail  = append([]byte{0, 0, 'u', 'n', 'k', 'n', 'o', 'w', 'n'}, make([]byte, 57)...)
)

// LoginStatus is the status byte of a login response.
type LoginStatus byte

const (
	LoginOK          LoginStatus = 0
	LoginBadPassword LoginStatus = 1
	LoginCaptcha     LoginStatus = 2
)

func (s LoginStatus) String() string {
	switch s {
	case LoginOK:
		return "ok"
	case LoginBadPassword:
		return "bad_password"
	case LoginCaptcha:
		return "captcha"
	default:
		return fmt.Sprintf("unknown(%d)", byte(s))
	}
}

// LoginResponse is the decoded reply to a login request.
type LoginResponse struct {
	Status LoginStatus
	UserID uint32

	// Token is the session token on success, or the CAPTCHA token when a
	// challenge is issued.
	Token []byte

	// Captcha holds the challenge bitmap when Status is LoginCaptcha.
	Captcha []byte
}

// BuildLoginRequest assembles the plaintext login request. Missing or short
// CAPTCHA fields are zero padded, which is what the first attempt sends.
func BuildLoginRequest(userID uint32, credential string, captchaToken, captchaAnswer []byte) ([]byte, error) {
	if len(credential) != CredentialSize {
		return nil, fmt.Errorf("credential must be %d hex chars, got %d", CredentialSize, len(credential))
	}

	pkt := NewPacketBuilder().
		WriteByte(Version).
		WriteUint32(CmdLogin).
		WriteUint32(userID).
		WriteUint32(0).
		WriteBytes([]byte(credential)).
		WriteBytes(loginFlags).
		WriteFixed(captchaToken, CaptchaTokenSize).
		WriteFixed(captchaAnswer, CaptchaAnswerSize).
		WriteBytes(loginTail).
		BuildWithLength()

	if len(pkt) != loginRequestSize {
		return nil, fmt.Errorf("login request is %d bytes, expected %d", len(pkt), loginRequestSize)
	}
	return pkt, nil
}

// ParseLoginResponse decodes a plaintext login response.
func ParseLoginResponse(raw []byte) (*LoginResponse, error) {
	pkt, err := ParsePacket(raw)
	if err != nil {
		return nil, fmt.Errorf("login response: %w", err)
	}
	if len(pkt.Payload) < 4 {
		return nil, fmt.Errorf("login response payload too short: %d bytes", len(pkt.Payload))
	}

	resp := &LoginResponse{
		Status: LoginStatus(pkt.Payload[3]),
		UserID: pkt.UserID,
	}

	if len(pkt.Payload) >= 4+SessionTokenSize {
		resp.Token = append([]byte(nil), pkt.Payload[4:4+SessionTokenSize]...)
	}
	if resp.Status == LoginCaptcha && len(pkt.Payload) > 24 {
		resp.Captcha = append([]byte(nil), pkt.Payload[24:]...)
	}

	switch resp.Status {
	case LoginOK, LoginCaptcha:
		if resp.Token == nil {
			return nil, fmt.Errorf("login response status %s without token", resp.Status)
		}
	}

	return resp, nil
}

// BuildEnterPayload returns the enter-server payload: the session token,
// an ASCII '0', then zero padding.
func BuildEnterPayload(sessionToken []byte) []byte {
	return NewPacketBuilder().
		WriteFixed(sessionToken, SessionTokenSize).
		WriteByte('0').
		WriteZeros(enterPayloadSize - SessionTokenSize - 1).
		Build()
}
