package visit

import (
	"errors"
	"testing"
)

func TestParseDisposition(t *testing.T) {
	tests := []struct {
		in        string
		want      Disposition
		emergency bool
	}{
		{"Returned to Class", ReturnedToClass, false},
		{"Sent Home", SentHome, false},
		{"Under Observation", UnderObservation, false},
		{"Emergency Referral", ReferredToHospital, true},
		{"emergency referral", ReferredToHospital, true},
		{"REFERRED_TO_HOSPITAL", ReferredToHospital, true},
		{"sent_home", SentHome, false},
		{" UNDER_OBSERVATION ", UnderObservation, false},
	}
	for _, tt := range tests {
		d, emergency, err := ParseDisposition(tt.in)
		if err != nil {
			t.Errorf("ParseDisposition(%q): unexpected error %v", tt.in, err)
			continue
		}
		if d != tt.want || emergency != tt.emergency {
			t.Errorf("ParseDisposition(%q) = %s/%v, want %s/%v", tt.in, d, emergency, tt.want, tt.emergency)
		}
	}
}

func TestParseDisposition_OnlyEmergencyReferralRaisesFlag(t *testing.T) {
	for _, label := range []string{LabelReturnedToClass, LabelSentHome, LabelUnderObservation} {
		if _, emergency, _ := ParseDisposition(label); emergency {
			t.Errorf("%q must not raise the emergency flag", label)
		}
	}
}

func TestParseDisposition_Invalid(t *testing.T) {
	for _, in := range []string{"", "Teleported", "HOSPITAL"} {
		if _, _, err := ParseDisposition(in); !errors.Is(err, ErrInvalidDisposition) {
			t.Errorf("ParseDisposition(%q): expected ErrInvalidDisposition, got %v", in, err)
		}
	}
}

func TestDisposition_Label(t *testing.T) {
	if ReferredToHospital.Label() != LabelEmergencyReferral {
		t.Errorf("unexpected label %q", ReferredToHospital.Label())
	}
	if Disposition("OTHER").Label() != "OTHER" {
		t.Error("unknown codes should render as-is")
	}
}
