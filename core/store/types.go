package store

import (
	"strings"

	"incidentdesk/core/apperr"

	"github.com/gofrs/uuid/v5"
)

type AppRole string

const (
	RoleUser      AppRole = "user"
	RoleAdmin     AppRole = "admin"
	RoleCertAdmin AppRole = "cert_admin"
)

var AllRoles = []AppRole{RoleUser, RoleAdmin, RoleCertAdmin}

func ParseRole(raw string) (AppRole, error) {
	v := AppRole(strings.ToLower(strings.TrimSpace(raw)))
	for _, r := range AllRoles {
		if v == r {
			return v, nil
		}
	}
	return "", apperr.Invalid("role", "unknown role")
}

type IncidentStatus string

const (
	StatusSubmitted     IncidentStatus = "submitted"
	StatusUnderReview   IncidentStatus = "under_review"
	StatusInvestigating IncidentStatus = "investigating"
	StatusResolved      IncidentStatus = "resolved"
	StatusClosed        IncidentStatus = "closed"
)

var AllStatuses = []IncidentStatus{StatusSubmitted, StatusUnderReview, StatusInvestigating, StatusResolved, StatusClosed}

// PendingStatuses is the set shown by the "pending" triage view.
var PendingStatuses = []IncidentStatus{StatusSubmitted, StatusUnderReview}

func ParseIncidentStatus(raw string) (IncidentStatus, error) {
	v := IncidentStatus(strings.ToLower(strings.TrimSpace(raw)))
	for _, s := range AllStatuses {
		if v == s {
			return v, nil
		}
	}
	return "", apperr.Invalid("status", "unknown status")
}

func (s IncidentStatus) IsFinal() bool {
	return s == StatusResolved || s == StatusClosed
}

type IncidentType string

const (
	TypePhishing   IncidentType = "phishing"
	TypeMalware    IncidentType = "malware"
	TypeFraud      IncidentType = "fraud"
	TypeEspionage  IncidentType = "espionage"
	TypeDataBreach IncidentType = "data_breach"
	TypeOther      IncidentType = "other"
)

var AllIncidentTypes = []IncidentType{TypePhishing, TypeMalware, TypeFraud, TypeEspionage, TypeDataBreach, TypeOther}

func ParseIncidentType(raw string) (IncidentType, error) {
	v := IncidentType(strings.ToLower(strings.TrimSpace(raw)))
	for _, t := range AllIncidentTypes {
		if v == t {
			return v, nil
		}
	}
	return "", apperr.Invalid("incident_type", "unknown incident type")
}

type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

var AllThreatLevels = []ThreatLevel{ThreatLow, ThreatMedium, ThreatHigh, ThreatCritical}

func ParseThreatLevel(raw string) (ThreatLevel, error) {
	v := ThreatLevel(strings.ToLower(strings.TrimSpace(raw)))
	for _, l := range AllThreatLevels {
		if v == l {
			return v, nil
		}
	}
	return "", apperr.Invalid("threat_level", "unknown threat level")
}

func NewID() string {
	return uuid.Must(uuid.NewV4()).String()
}

func IsValidID(raw string) bool {
	_, err := uuid.FromString(strings.TrimSpace(raw))
	return err == nil
}

func RolesToStrings(roles []AppRole) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, string(r))
	}
	return out
}
