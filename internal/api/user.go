package api

import (
	"net/http"
	"time"

	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/privacy"
)

const birthdayLayout = "2006-01-02"

type userRequest struct {
	ID              string            `json:"id"`
	VKID            string            `json:"vk_id"`
	FacebookID      string            `json:"facebook_id"`
	Email           string            `json:"email"`
	Birthday        string            `json:"birthday"`
	Age             int               `json:"age"`
	Gender          string            `json:"gender"`
	Occupation      string            `json:"occupation"`
	Relationship    string            `json:"relationship"`
	SmokingAttitude string            `json:"smoking_attitude"`
	AlcoholAttitude string            `json:"alcohol_attitude"`
	Interests       []string          `json:"interests"`
	Location        *models.Location  `json:"location"`
	ContextQuery    string            `json:"context_query"`
	ContextTags     []string          `json:"context_tags"`
	Targeting       map[string]string `json:"targeting"`
	Test            *bool             `json:"test"`
	TestAdID        string            `json:"test_ad_id"`
}

func (u userRequest) metadata() (models.UserMetadata, error) {
	md := models.UserMetadata{
		ID:              u.ID,
		VKID:            u.VKID,
		FacebookID:      u.FacebookID,
		Email:           u.Email,
		Age:             u.Age,
		Gender:          models.ParseGender(u.Gender),
		Occupation:      models.ParseOccupation(u.Occupation),
		Relationship:    models.ParseRelationship(u.Relationship),
		SmokingAttitude: models.ParseAttitude(u.SmokingAttitude),
		AlcoholAttitude: models.ParseAttitude(u.AlcoholAttitude),
		Interests:       u.Interests,
	}
	if u.Birthday != "" {
		b, err := time.Parse(birthdayLayout, u.Birthday)
		if err != nil {
			return models.UserMetadata{}, err
		}
		md.Birthday = b
	}
	return md, nil
}

// UserHandler handles PUT /v1/user. The body replaces the user metadata and
// optionally sets location, context, custom targeting and test mode.
func (s *Server) UserHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "user"
	const method = "PUT"

	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Age < 0 {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "age must not be negative")
		return
	}
	md, err := req.metadata()
	if err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "birthday must be YYYY-MM-DD")
		return
	}
	if err := s.Mediator.SetLocation(req.Location); err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, err.Error())
		return
	}

	s.Mediator.SetUser(md)
	if req.ContextQuery != "" || len(req.ContextTags) > 0 {
		s.Mediator.SetContext(req.ContextQuery, req.ContextTags)
	}
	for k, v := range req.Targeting {
		s.Mediator.SetTargeting(k, v)
	}
	if req.Test != nil {
		s.Mediator.SetTesting(*req.Test)
	}
	if req.TestAdID != "" {
		s.Mediator.SetTestAdID(req.TestAdID)
	}

	s.observe(endpoint, method, http.StatusOK, start)
	s.writeJSON(w, http.StatusOK, s.Mediator.User())
}

type consentRequest struct {
	GDPRApplies bool   `json:"gdpr_applies"`
	Consent     string `json:"consent"`
}

// ConsentHandler handles PUT /v1/consent. A consent string that does not
// parse is rejected rather than stored.
func (s *Server) ConsentHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "consent"
	const method = "PUT"

	var req consentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Consent != "" && !privacy.Valid(req.Consent) {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "malformed consent string")
		return
	}
	s.Mediator.SetConsent(req.GDPRApplies, req.Consent)
	s.observe(endpoint, method, http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}
