package tokenserver

import (
	"strconv"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

const (
	invalidNumberMessage = "Numéro de téléphone invalide."
	dialTimeoutSeconds   = 30
)

// dialDocument routes an outgoing call to a client identity or a number.
// An empty destination yields a spoken error.
func dialDocument(to, callerID string) ([]byte, error) {
	var verbs []twiml.Element
	if to == "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: invalidNumberMessage, Language: "fr-FR"})
	} else {
		var target twiml.Element
		if client, ok := strings.CutPrefix(to, "client:"); ok {
			target = &twiml.VoiceClient{Identity: client}
		} else {
			target = &twiml.VoiceNumber{PhoneNumber: to}
		}
		verbs = append(verbs, &twiml.VoiceDial{
			CallerId:      callerID,
			Timeout:       strconv.Itoa(dialTimeoutSeconds),
			Action:        "/twiml/voice/status",
			Method:        "POST",
			InnerElements: []twiml.Element{target},
		})
	}

	doc, err := twiml.Voice(verbs)
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}
