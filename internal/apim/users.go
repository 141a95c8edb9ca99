package apim

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/apimbilling/apimbilling/internal/model"
	"github.com/apimbilling/apimbilling/internal/target"
)

const userStateActive = "active"

func (u userContract) toUser() model.User {
	return model.User{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Properties.Email,
		FirstName: u.Properties.FirstName,
		LastName:  u.Properties.LastName,
		State:     u.Properties.State,
	}
}

// GetUserByEmail looks up a user by case-insensitive email among the first
// page of users. Lookup failures are logged and reported as not found.
func (c *Client) GetUserByEmail(ctx context.Context, tgt target.Target, email string) (model.User, bool) {
	var page armList[userContract]
	if _, err := c.send(ctx, tgt, call{
		op:     "ListUsers",
		method: http.MethodGet,
		path:   []string{"users"},
		expect: []int{http.StatusOK},
		out:    &page,
	}); err != nil {
		c.metrics.IncUserLookup("failed")
		c.logger.Warn("user_lookup_failed", "target", tgt.String(), "error", err)
		return model.User{}, false
	}

	for _, u := range page.Value {
		if strings.EqualFold(u.Properties.Email, email) {
			c.metrics.IncUserLookup("found")
			return u.toUser(), true
		}
	}
	c.metrics.IncUserLookup("absent")
	return model.User{}, false
}

// CreateOrGetUser returns the user with this email, creating it under the
// derived id when absent. created reports whether this call created it.
// A blank last name falls back to the first name.
func (c *Client) CreateOrGetUser(ctx context.Context, tgt target.Target, email, firstName, lastName string) (user model.User, created bool, err error) {
	if existing, ok := c.GetUserByEmail(ctx, tgt, email); ok {
		return existing, false, nil
	}

	if strings.TrimSpace(lastName) == "" {
		lastName = firstName
	}

	var out userContract
	if _, err := c.send(ctx, tgt, call{
		op:     "CreateUser",
		method: http.MethodPut,
		path:   []string{"users", model.UserIDFromEmail(email)},
		body: userContract{Properties: userProperties{
			Email:     email,
			FirstName: firstName,
			LastName:  lastName,
			State:     userStateActive,
		}},
		expect: []int{http.StatusOK, http.StatusCreated},
		out:    &out,
	}); err != nil {
		return model.User{}, false, err
	}

	c.logger.Info("user_created", "target", tgt.String(), "user", out.Name)
	return out.toUser(), true, nil
}

// DeleteUser removes a user, leaving its subscriptions alone.
func (c *Client) DeleteUser(ctx context.Context, tgt target.Target, userName string) error {
	if strings.TrimSpace(userName) == "" {
		return ErrEmptyName
	}
	_, err := c.send(ctx, tgt, call{
		op:      "DeleteUser",
		method:  http.MethodDelete,
		path:    []string{"users", userName},
		query:   url.Values{"deleteSubscriptions": []string{"false"}},
		ifMatch: "*",
		expect:  []int{http.StatusOK, http.StatusNoContent},
	})
	if IsNotFound(err) {
		return nil
	}
	return err
}
