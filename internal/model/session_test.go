package model

import (
	"testing"
	"time"
)

func TestSessionIDs(t *testing.T) {
	t.Parallel()

	sess := ModelSession{
		Framework:  "tensorflow",
		ModelName:  "resnet_50",
		Version:    1,
		LatencySLA: 50,
	}
	if got := sess.ProfileID(); got != "tensorflow:resnet_50:1" {
		t.Errorf("ProfileID = %q", got)
	}
	if got := sess.ID(); got != "tensorflow:resnet_50:1:50" {
		t.Errorf("ID = %q", got)
	}
	if got := sess.SLA(); got != 50*time.Millisecond {
		t.Errorf("SLA = %v", got)
	}

	sess.ImageHeight = 224
	sess.ImageWidth = 224
	if got := sess.ID(); got != "tensorflow:resnet_50:1:224x224:50" {
		t.Errorf("ID with dimensions = %q", got)
	}
}

func TestParseSessionIDRoundTrip(t *testing.T) {
	t.Parallel()

	ids := []string{
		"tensorflow:resnet_50:1:50",
		"darknet:yolo9000:2:416x416:100",
	}
	for _, id := range ids {
		sess, err := ParseSessionID(id)
		if err != nil {
			t.Errorf("ParseSessionID(%q): %v", id, err)
			continue
		}
		if got := sess.ID(); got != id {
			t.Errorf("round trip %q -> %q", id, got)
		}
	}
}

func TestParseSessionIDRejectsMalformed(t *testing.T) {
	t.Parallel()

	bad := []string{
		"",
		"tensorflow:resnet_50",
		"tensorflow:resnet_50:x:50",
		"tensorflow:resnet_50:1:224:50",
		"tensorflow:resnet_50:1:224xh:50",
		"tensorflow:resnet_50:1:sla",
		"a:b:1:2:3:4",
	}
	for _, id := range bad {
		if _, err := ParseSessionID(id); err == nil {
			t.Errorf("ParseSessionID(%q) accepted malformed id", id)
		}
	}
}

func TestSessionValidate(t *testing.T) {
	t.Parallel()

	valid := ModelSession{Framework: "tensorflow", ModelName: "resnet_50", Version: 1, LatencySLA: 50}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid session rejected: %v", err)
	}

	cases := []ModelSession{
		{ModelName: "resnet_50", Version: 1, LatencySLA: 50},
		{Framework: "tensorflow", Version: 1, LatencySLA: 50},
		{Framework: "tensorflow", ModelName: "resnet_50", LatencySLA: 50},
		{Framework: "tensorflow", ModelName: "resnet_50", Version: 1},
		{Framework: "tensorflow", ModelName: "resnet_50", Version: 1, LatencySLA: 50, ImageHeight: 224},
	}
	for i, sess := range cases {
		if err := sess.Validate(); err == nil {
			t.Errorf("case %d: invalid session accepted", i)
		}
	}
}
