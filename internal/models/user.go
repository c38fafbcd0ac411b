package models

import (
	"fmt"
	"strings"
	"time"
)

// Gender of the app user as reported by the host.
type Gender int

const (
	GenderUnknown Gender = iota
	GenderMale
	GenderFemale
	GenderOther
)

func (g Gender) String() string {
	switch g {
	case GenderMale:
		return "male"
	case GenderFemale:
		return "female"
	case GenderOther:
		return "other"
	}
	return "unknown"
}

// Occupation of the app user.
type Occupation int

const (
	OccupationUnknown Occupation = iota
	OccupationWork
	OccupationUniversity
	OccupationSchool
)

func (o Occupation) String() string {
	switch o {
	case OccupationWork:
		return "work"
	case OccupationUniversity:
		return "university"
	case OccupationSchool:
		return "school"
	}
	return "unknown"
}

// Relationship status of the app user.
type Relationship int

const (
	RelationshipUnknown Relationship = iota
	RelationshipSingle
	RelationshipDating
	RelationshipEngaged
	RelationshipMarried
	RelationshipSearching
)

func (r Relationship) String() string {
	switch r {
	case RelationshipSingle:
		return "single"
	case RelationshipDating:
		return "dating"
	case RelationshipEngaged:
		return "engaged"
	case RelationshipMarried:
		return "married"
	case RelationshipSearching:
		return "searching"
	}
	return "unknown"
}

// Attitude towards smoking or alcohol.
type Attitude int

const (
	AttitudeUnknown Attitude = iota
	AttitudeNegative
	AttitudeNeutral
	AttitudePositive
)

func (a Attitude) String() string {
	switch a {
	case AttitudeNegative:
		return "negative"
	case AttitudeNeutral:
		return "neutral"
	case AttitudePositive:
		return "positive"
	}
	return "unknown"
}

// ParseGender maps a name to a Gender, returning GenderUnknown when the name
// is not recognised.
func ParseGender(s string) Gender {
	switch strings.ToLower(s) {
	case "male", "m":
		return GenderMale
	case "female", "f":
		return GenderFemale
	case "other", "o":
		return GenderOther
	}
	return GenderUnknown
}

// ParseOccupation maps a name to an Occupation.
func ParseOccupation(s string) Occupation {
	switch strings.ToLower(s) {
	case "work":
		return OccupationWork
	case "university":
		return OccupationUniversity
	case "school":
		return OccupationSchool
	}
	return OccupationUnknown
}

// ParseRelationship maps a name to a Relationship.
func ParseRelationship(s string) Relationship {
	switch strings.ToLower(s) {
	case "single":
		return RelationshipSingle
	case "dating":
		return RelationshipDating
	case "engaged":
		return RelationshipEngaged
	case "married":
		return RelationshipMarried
	case "searching":
		return RelationshipSearching
	}
	return RelationshipUnknown
}

// ParseAttitude maps a name to an Attitude.
func ParseAttitude(s string) Attitude {
	switch strings.ToLower(s) {
	case "negative":
		return AttitudeNegative
	case "neutral":
		return AttitudeNeutral
	case "positive":
		return AttitudePositive
	}
	return AttitudeUnknown
}

// UserMetadata holds optional facts about the app user that networks may use
// for targeting. Zero values mean "not provided".
type UserMetadata struct {
	ID              string       `json:"id,omitempty"`
	VKID            string       `json:"vk_id,omitempty"`
	FacebookID      string       `json:"facebook_id,omitempty"`
	Email           string       `json:"email,omitempty"`
	Birthday        time.Time    `json:"birthday,omitempty"`
	Age             int          `json:"age,omitempty"`
	Gender          Gender       `json:"gender,omitempty"`
	Occupation      Occupation   `json:"occupation,omitempty"`
	Relationship    Relationship `json:"relationship,omitempty"`
	SmokingAttitude Attitude     `json:"smoking_attitude,omitempty"`
	AlcoholAttitude Attitude     `json:"alcohol_attitude,omitempty"`
	Interests       []string     `json:"interests,omitempty"`
}

// EffectiveAge returns the explicit age when set, otherwise the age derived
// from the birthday. Zero means unknown.
func (u UserMetadata) EffectiveAge(now time.Time) int {
	if u.Age > 0 {
		return u.Age
	}
	if u.Birthday.IsZero() || u.Birthday.After(now) {
		return 0
	}
	age := now.Year() - u.Birthday.Year()
	bm, bd := u.Birthday.Month(), u.Birthday.Day()
	if now.Month() < bm || (now.Month() == bm && now.Day() < bd) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

// YearOfBirth returns the birth year, falling back to one derived from Age.
func (u UserMetadata) YearOfBirth(now time.Time) int {
	if !u.Birthday.IsZero() {
		return u.Birthday.Year()
	}
	if u.Age > 0 {
		return now.Year() - u.Age
	}
	return 0
}

// Clone returns a deep copy.
func (u UserMetadata) Clone() UserMetadata {
	out := u
	if u.Interests != nil {
		out.Interests = append([]string(nil), u.Interests...)
	}
	return out
}

// Location is the device position reported by the host.
type Location struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Accuracy float64 `json:"accuracy,omitempty"`
}

// Validate checks coordinate ranges.
func (l Location) Validate() error {
	if l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("latitude %v out of range", l.Lat)
	}
	if l.Lon < -180 || l.Lon > 180 {
		return fmt.Errorf("longitude %v out of range", l.Lon)
	}
	if l.Accuracy < 0 {
		return fmt.Errorf("negative accuracy %v", l.Accuracy)
	}
	return nil
}
