package mediation

import (
	"time"

	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/observability"
)

// The setters below edit the request template. Loads started afterwards
// carry the new values; loads already running keep their snapshot.

func (m *Mediator) updateUser(fn func(u *models.UserMetadata)) {
	m.mu.Lock()
	fn(&m.template.User)
	m.mu.Unlock()
}

func (m *Mediator) SetUserID(id string) {
	m.updateUser(func(u *models.UserMetadata) { u.ID = id })
}

func (m *Mediator) SetUserVKID(id string) {
	m.updateUser(func(u *models.UserMetadata) { u.VKID = id })
}

func (m *Mediator) SetUserFacebookID(id string) {
	m.updateUser(func(u *models.UserMetadata) { u.FacebookID = id })
}

func (m *Mediator) SetUserEmail(email string) {
	m.updateUser(func(u *models.UserMetadata) { u.Email = email })
}

func (m *Mediator) SetUserBirthday(b time.Time) {
	m.updateUser(func(u *models.UserMetadata) { u.Birthday = b })
}

// SetUserAge sets an explicit age, which wins over the birthday.
func (m *Mediator) SetUserAge(age int) {
	if age < 0 {
		age = 0
	}
	m.updateUser(func(u *models.UserMetadata) { u.Age = age })
}

func (m *Mediator) SetUserGender(g models.Gender) {
	m.updateUser(func(u *models.UserMetadata) { u.Gender = g })
}

func (m *Mediator) SetUserOccupation(o models.Occupation) {
	m.updateUser(func(u *models.UserMetadata) { u.Occupation = o })
}

func (m *Mediator) SetUserRelationship(r models.Relationship) {
	m.updateUser(func(u *models.UserMetadata) { u.Relationship = r })
}

func (m *Mediator) SetUserSmokingAttitude(a models.Attitude) {
	m.updateUser(func(u *models.UserMetadata) { u.SmokingAttitude = a })
}

func (m *Mediator) SetUserAlcoholAttitude(a models.Attitude) {
	m.updateUser(func(u *models.UserMetadata) { u.AlcoholAttitude = a })
}

func (m *Mediator) SetUserInterests(interests []string) {
	cp := append([]string(nil), interests...)
	m.updateUser(func(u *models.UserMetadata) { u.Interests = cp })
}

// SetUser replaces all user metadata at once.
func (m *Mediator) SetUser(u models.UserMetadata) {
	cp := u.Clone()
	m.updateUser(func(dst *models.UserMetadata) { *dst = cp })
}

// User returns a copy of the current user metadata.
func (m *Mediator) User() models.UserMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.template.User.Clone()
}

// SetLocation sets the device position. A nil loc clears it.
func (m *Mediator) SetLocation(loc *models.Location) error {
	if loc != nil {
		if err := loc.Validate(); err != nil {
			return err
		}
		cp := *loc
		loc = &cp
	}
	m.mu.Lock()
	m.template.Location = loc
	m.mu.Unlock()
	return nil
}

// SetContext sets the free-text context query and tags.
func (m *Mediator) SetContext(query string, tags []string) {
	m.mu.Lock()
	m.template.ContextQuery = query
	m.template.ContextTags = append([]string(nil), tags...)
	m.mu.Unlock()
}

// SetTargeting sets a custom targeting pair. An empty value removes the key.
func (m *Mediator) SetTargeting(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == "" {
		delete(m.template.Targeting, key)
		return
	}
	if m.template.Targeting == nil {
		m.template.Targeting = make(map[string]string)
	}
	m.template.Targeting[key] = value
}

func (m *Mediator) SetConsent(gdprApplies bool, consent string) {
	m.mu.Lock()
	m.template.GDPRApplies = gdprApplies
	m.template.Consent = consent
	m.mu.Unlock()
}

// SetDevice records the device and resolved geo of the current client.
func (m *Mediator) SetDevice(d models.Device, country, region string) {
	m.mu.Lock()
	m.template.Device = d
	m.template.Country = country
	m.template.Region = region
	m.mu.Unlock()
}

// SetTesting asks networks for test ads.
func (m *Mediator) SetTesting(enabled bool) {
	m.mu.Lock()
	m.template.Test = enabled
	m.mu.Unlock()
}

// SetTestAdID pins a specific creative on networks that support it.
func (m *Mediator) SetTestAdID(id string) {
	m.mu.Lock()
	m.template.TestAdID = id
	m.mu.Unlock()
}

// SetDebug switches process-wide logging to debug level.
func (m *Mediator) SetDebug(enabled bool) {
	observability.SetDebug(enabled)
}

// RequestTemplate returns a copy of the targeting applied to new loads.
func (m *Mediator) RequestTemplate() models.AdRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.template.Clone()
}
