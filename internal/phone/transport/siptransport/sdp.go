package siptransport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"
	"github.com/sebas/crmphone/internal/phone/media"
)

// Direction is the SDP media direction attribute.
type Direction string

const (
	DirSendRecv Direction = "sendrecv"
	DirSendOnly Direction = "sendonly"
	DirRecvOnly Direction = "recvonly"
	DirInactive Direction = "inactive"
)

// mediaOffer describes the local end of an audio leg.
type mediaOffer struct {
	Addr      string
	Port      int
	SessionID uint64
	Version   uint64
	Codecs    []media.Codec
	Direction Direction
}

// remoteMedia is what we learn from the peer's SDP.
type remoteMedia struct {
	Addr      string
	Port      int
	Codec     media.Codec
	DTMF      uint8
	Direction Direction
}

// UDPAddr resolves the remote RTP endpoint.
func (r remoteMedia) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(r.Addr), Port: r.Port}
}

var errNoAudio = errors.New("no usable audio in SDP")

// buildSDP renders an audio-only session description.
func buildSDP(o mediaOffer) ([]byte, error) {
	codecs := o.Codecs
	if len(codecs) == 0 {
		codecs = media.OfferedCodecs
	}
	formats := make([]string, 0, len(codecs)+1)
	for _, c := range codecs {
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
	}
	formats = append(formats, strconv.Itoa(int(media.DTMFPayloadType)))

	dir := o.Direction
	if dir == "" {
		dir = DirSendRecv
	}

	sd := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "crmphone",
			SessionID:      o.SessionID,
			SessionVersion: o.Version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: o.Addr,
		},
		SessionName: "CRM Phone",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: o.Addr},
		},
		TimeDescriptions: []psdp.TimeDescription{{Timing: psdp.Timing{}}},
		MediaDescriptions: []*psdp.MediaDescription{
			{
				MediaName: psdp.MediaName{
					Media:   "audio",
					Port:    psdp.RangedPort{Value: o.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: codecAttributes(codecs, dir),
			},
		},
	}
	return sd.Marshal()
}

func codecAttributes(codecs []media.Codec, dir Direction) []psdp.Attribute {
	attrs := make([]psdp.Attribute, 0, len(codecs)+5)
	for _, c := range codecs {
		attrs = append(attrs, psdp.NewAttribute("rtpmap", c.Rtpmap()))
	}
	attrs = append(attrs,
		psdp.NewAttribute("rtpmap", media.CodecTelephoneEvent.Rtpmap()),
		psdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", media.DTMFPayloadType)),
		psdp.NewAttribute("ptime", "20"),
		psdp.NewPropertyAttribute(string(dir)),
	)
	return attrs
}

// parseSDP picks the first audio stream and the first codec in it we can
// transcode.
func parseSDP(body []byte) (remoteMedia, error) {
	if len(body) == 0 {
		return remoteMedia{}, errors.New("empty SDP")
	}
	sd := &psdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return remoteMedia{}, fmt.Errorf("parse SDP: %w", err)
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" || md.MediaName.Port.Value == 0 {
			continue
		}
		rm := remoteMedia{
			Port:      md.MediaName.Port.Value,
			DTMF:      media.DTMFPayloadType,
			Direction: DirSendRecv,
		}
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			rm.Addr = md.ConnectionInformation.Address.Address
		} else if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
			rm.Addr = sd.ConnectionInformation.Address.Address
		}
		if rm.Addr == "" {
			return remoteMedia{}, errors.New("SDP has no connection address")
		}

		found := false
		for _, f := range md.MediaName.Formats {
			if c, ok := media.CodecByFormat(f); ok && c != media.CodecTelephoneEvent {
				rm.Codec = c
				found = true
				break
			}
		}
		if !found {
			continue
		}

		for _, a := range md.Attributes {
			switch a.Key {
			case string(DirSendOnly), string(DirRecvOnly), string(DirInactive), string(DirSendRecv):
				rm.Direction = Direction(a.Key)
			case "rtpmap":
				var pt int
				var name string
				if _, err := fmt.Sscanf(a.Value, "%d %s", &pt, &name); err == nil &&
					strings.HasPrefix(strings.ToLower(name), "telephone-event/") {
					rm.DTMF = uint8(pt)
				}
			}
		}
		return rm, nil
	}
	return remoteMedia{}, errNoAudio
}
