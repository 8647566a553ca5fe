// SPDX-License-Identifier: GPL-2.0-or-later

package rtpenc

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"
)

// SDP errors.
var (
	ErrSDPNoVideo       = errors.New("no video media")
	ErrSDPNotH264       = errors.New("video media is not H264")
	ErrSDPfmtpInvalid   = errors.New("invalid fmtp attribute")
	ErrSDPspropInvalid  = errors.New("invalid sprop-parameter-sets")
	ErrSDPspropMissing  = errors.New("sprop-parameter-sets is missing")
	ErrSDPpayloadFormat = errors.New("invalid payload format")
)

// Params describe a H264 RTP stream.
type Params struct {
	PayloadType uint8
	SPS         []byte
	PPS         []byte
}

// ParseSDP returns the parameters of the first H264 video media.
func ParseSDP(buf []byte) (Params, error) {
	var sd psdp.SessionDescription
	if err := sd.Unmarshal(buf); err != nil {
		return Params{}, fmt.Errorf("unmarshal: %w", err)
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		if len(md.MediaName.Formats) == 0 {
			return Params{}, ErrSDPpayloadFormat
		}
		payloadType, err := strconv.ParseUint(md.MediaName.Formats[0], 10, 8)
		if err != nil {
			return Params{}, fmt.Errorf("%w: %v", ErrSDPpayloadFormat, md.MediaName.Formats[0])
		}

		rtpmap, ok := md.Attribute("rtpmap")
		if !ok || !strings.Contains(strings.ToLower(rtpmap), "h264/") {
			return Params{}, fmt.Errorf("%w: %v", ErrSDPNotH264, rtpmap)
		}

		p := Params{PayloadType: uint8(payloadType)}
		fmtp, ok := md.Attribute("fmtp")
		if !ok {
			// Parameters are sent in-band.
			return p, nil
		}
		p.SPS, p.PPS, err = parseSprop(fmtp)
		if err != nil && !errors.Is(err, ErrSDPspropMissing) {
			return Params{}, err
		}
		return p, nil
	}
	return Params{}, ErrSDPNoVideo
}

func parseSprop(fmtp string) ([]byte, []byte, error) {
	tmp := strings.SplitN(fmtp, " ", 2)
	if len(tmp) != 2 {
		return nil, nil, fmt.Errorf("%w (%v)", ErrSDPfmtpInvalid, fmtp)
	}

	for _, kv := range strings.Split(tmp[1], ";") {
		kv = strings.Trim(kv, " ")
		if len(kv) == 0 {
			continue
		}

		tmp := strings.SplitN(kv, "=", 2)
		if len(tmp) != 2 {
			return nil, nil, fmt.Errorf("%w (%v)", ErrSDPfmtpInvalid, fmtp)
		}
		if tmp[0] != "sprop-parameter-sets" {
			continue
		}

		tmp = strings.SplitN(tmp[1], ",", 3)
		if len(tmp) < 2 {
			return nil, nil, fmt.Errorf("%w (%v)", ErrSDPspropInvalid, fmtp)
		}
		sps, err := base64.StdEncoding.DecodeString(tmp[0])
		if err != nil {
			return nil, nil, fmt.Errorf("%w (%v)", ErrSDPspropInvalid, fmtp)
		}
		pps, err := base64.StdEncoding.DecodeString(tmp[1])
		if err != nil {
			return nil, nil, fmt.Errorf("%w (%v)", ErrSDPspropInvalid, fmtp)
		}
		return sps, pps, nil
	}
	return nil, nil, fmt.Errorf("%w (%v)", ErrSDPspropMissing, fmtp)
}

// MarshalSDP returns a session description for a stream sent to address.
func MarshalSDP(p Params, ip string, port int) ([]byte, error) {
	fmtp := fmt.Sprintf("%d packetization-mode=1", p.PayloadType)
	if len(p.SPS) != 0 && len(p.PPS) != 0 {
		fmtp += "; sprop-parameter-sets=" +
			base64.StdEncoding.EncodeToString(p.SPS) + "," +
			base64.StdEncoding.EncodeToString(p.PPS)
	}
	pt := strconv.Itoa(int(p.PayloadType))

	sd := psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "-",
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: "sensormux",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: ip},
		},
		TimeDescriptions: []psdp.TimeDescription{{}},
		MediaDescriptions: []*psdp.MediaDescription{{
			MediaName: psdp.MediaName{
				Media:   "video",
				Port:    psdp.RangedPort{Value: port},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{pt},
			},
			Attributes: []psdp.Attribute{
				{Key: "rtpmap", Value: pt + " H264/90000"},
				{Key: "fmtp", Value: fmtp},
			},
		}},
	}
	return sd.Marshal()
}
