package edjab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edjab/dbclient/codec"
	"github.com/edjab/dbclient/keys"
	"github.com/edjab/dbclient/store"
	"github.com/edjab/dbclient/token"
)

const attrUserID = "userId"

// Provider is how a user signs in.
type Provider string

const (
	Registered Provider = "registered"
	Facebook   Provider = "facebook"
	Google     Provider = "google"
)

// Frequency is how often a user receives mail.
type Frequency string

const (
	Daily       Frequency = "DAILY"
	Weekly      Frequency = "WEEKLY"
	Monthly     Frequency = "MONTHLY"
	Unsubscribe Frequency = "UNSUBSCRIBE"
)

// ParseFrequency maps any spelling of DAILY, WEEKLY or MONTHLY to its
// Frequency and everything else to Unsubscribe.
func ParseFrequency(s string) Frequency {
	switch f := Frequency(strings.ToUpper(strings.TrimSpace(s))); f {
	case Daily, Weekly, Monthly:
		return f
	}
	return Unsubscribe
}

// User is a user profile without its secrets.
type User struct {
	ID            string
	Email         string
	FirstName     string
	MiddleName    string
	LastName      string
	Gender        string
	Street        string
	City          string
	State         string
	Zip           string
	Country       string
	ContactNumber string
	DateOfBirth   string
	Titles        []string
	Subscription  Frequency

	ValidRegistered bool
	ValidFacebook   bool
	ValidGoogle     bool

	// Counters kept by the stream handler.
	Reviews    int64
	AlmaMaters int64
	Likes      int64
	Follows    int64

	StatusChangedAt time.Time
}

// Valid reports whether any sign-in method of the user is active.
func (u User) Valid() bool {
	return u.ValidRegistered || u.ValidFacebook || u.ValidGoogle
}

// userRecord is the stored profile, secrets included.
type userRecord struct {
	User
	passwordHash         string
	registrationToken    string
	registrationIssuedAt time.Time
	resetToken           string
	resetIssuedAt        time.Time
}

const (
	fieldPassword          = "password"
	fieldValidRegistered   = "validRegisteredUser"
	fieldValidFacebook     = "validFacebookUser"
	fieldValidGoogle       = "validGoogleUser"
	fieldRegistrationToken = "registrationToken"
	fieldRegistrationTime  = "registrationTokenCreationTime"
	fieldResetToken        = "passwordResetToken"
	fieldResetTime         = "passwordResetTokenCreationTime"
	fieldSubscription      = "subscriptionFrequency"
	fieldStatusChanged     = "accountStatusChangeDate"
)

var userSchema = codec.NewSchema(
	codec.Field{Name: "emailId", Kind: codec.String},
	codec.Field{Name: fieldPassword, Kind: codec.String},
	codec.Field{Name: fieldValidRegistered, Kind: codec.Bool},
	codec.Field{Name: fieldValidFacebook, Kind: codec.Bool},
	codec.Field{Name: fieldValidGoogle, Kind: codec.Bool},
	codec.Field{Name: fieldRegistrationToken, Kind: codec.String},
	codec.Field{Name: fieldRegistrationTime, Kind: codec.Time},
	codec.Field{Name: fieldResetToken, Kind: codec.String},
	codec.Field{Name: fieldResetTime, Kind: codec.Time},
	codec.Field{Name: "firstName", Kind: codec.String},
	codec.Field{Name: "middleName", Kind: codec.String},
	codec.Field{Name: "lastName", Kind: codec.String},
	codec.Field{Name: "gender", Kind: codec.String},
	codec.Field{Name: fieldSubscription, Kind: codec.String},
	codec.Field{Name: "street", Kind: codec.String},
	codec.Field{Name: "city", Kind: codec.String},
	codec.Field{Name: "indianState", Kind: codec.String},
	codec.Field{Name: "zip", Kind: codec.String},
	codec.Field{Name: "country", Kind: codec.String},
	codec.Field{Name: "contactNumber", Kind: codec.String},
	codec.Field{Name: "dateOfbirth", Kind: codec.String},
	codec.Field{Name: "titles", Kind: codec.StringSet},
	codec.Field{Name: CounterReviews, Kind: codec.Number},
	codec.Field{Name: CounterAlmaMaters, Kind: codec.Number},
	codec.Field{Name: CounterLikes, Kind: codec.Number},
	codec.Field{Name: CounterFollows, Kind: codec.Number},
	codec.Field{Name: fieldStatusChanged, Kind: codec.Time},
)

type userMapper struct{}

func (userMapper) Schema() *codec.Schema { return userSchema }

func (userMapper) KeyParts(u userRecord) []string { return []string{u.ID} }

func (userMapper) ToRecord(u userRecord) codec.Record {
	return codec.Record{
		"emailId":              u.Email,
		fieldPassword:          u.passwordHash,
		fieldValidRegistered:   u.ValidRegistered,
		fieldValidFacebook:     u.ValidFacebook,
		fieldValidGoogle:       u.ValidGoogle,
		fieldRegistrationToken: u.registrationToken,
		fieldRegistrationTime:  u.registrationIssuedAt,
		fieldResetToken:        u.resetToken,
		fieldResetTime:         u.resetIssuedAt,
		"firstName":            u.FirstName,
		"middleName":           u.MiddleName,
		"lastName":             u.LastName,
		"gender":               u.Gender,
		fieldSubscription:      string(u.Subscription),
		"street":               u.Street,
		"city":                 u.City,
		"indianState":          u.State,
		"zip":                  u.Zip,
		"country":              u.Country,
		"contactNumber":        u.ContactNumber,
		"dateOfbirth":          u.DateOfBirth,
		"titles":               u.Titles,
		CounterReviews:         u.Reviews,
		CounterAlmaMaters:      u.AlmaMaters,
		CounterLikes:           u.Likes,
		CounterFollows:         u.Follows,
		fieldStatusChanged:     u.StatusChangedAt,
	}
}

func (userMapper) FromRecord(r codec.Record) (userRecord, error) {
	return userRecord{
		User: User{
			ID:              r.String(attrUserID),
			Email:           r.String("emailId"),
			FirstName:       r.String("firstName"),
			MiddleName:      r.String("middleName"),
			LastName:        r.String("lastName"),
			Gender:          r.String("gender"),
			Street:          r.String("street"),
			City:            r.String("city"),
			State:           r.String("indianState"),
			Zip:             r.String("zip"),
			Country:         r.String("country"),
			ContactNumber:   r.String("contactNumber"),
			DateOfBirth:     r.String("dateOfbirth"),
			Titles:          r.Strings("titles"),
			Subscription:    Frequency(r.String(fieldSubscription)),
			ValidRegistered: r.Bool(fieldValidRegistered),
			ValidFacebook:   r.Bool(fieldValidFacebook),
			ValidGoogle:     r.Bool(fieldValidGoogle),
			Reviews:         r.Int(CounterReviews),
			AlmaMaters:      r.Int(CounterAlmaMaters),
			Likes:           r.Int(CounterLikes),
			Follows:         r.Int(CounterFollows),
			StatusChangedAt: r.Time(fieldStatusChanged),
		},
		passwordHash:         r.String(fieldPassword),
		registrationToken:    r.String(fieldRegistrationToken),
		registrationIssuedAt: r.Time(fieldRegistrationTime),
		resetToken:           r.String(fieldResetToken),
		resetIssuedAt:        r.Time(fieldResetTime),
	}, nil
}

// CreateUserInput describes a new account.
type CreateUserInput struct {
	ID       string   `validate:"required,max=254"`
	Provider Provider `validate:"required,oneof=registered facebook google"`
	// Password is required for registered users and ignored otherwise.
	Password string `validate:"omitempty,min=6,max=72"`
}

// CreateUser creates an account signed in through exactly one provider.
// Registered users use their email address as id and stay invalid until
// they confirm it with ValidateRegistration. A taken id fails with
// ErrUserExists.
func (c *Client) CreateUser(ctx context.Context, in CreateUserInput) error {
	const op = "createUser"
	if err := c.check(op, in); err != nil {
		return err
	}
	rec := userRecord{User: User{
		ID:              in.ID,
		ValidFacebook:   in.Provider == Facebook,
		ValidGoogle:     in.Provider == Google,
		Subscription:    Weekly,
		StatusChangedAt: c.timestamp(),
	}}
	if in.Provider == Registered {
		if err := c.checkVar(op, "ID", in.ID, "email"); err != nil {
			return err
		}
		if err := c.checkVar(op, "Password", in.Password, "required"); err != nil {
			return err
		}
		hash, err := token.HashPassword(in.Password)
		if err != nil {
			return &store.ValidationError{Op: op, Err: err}
		}
		rec.Email = in.ID
		rec.passwordHash = hash
	}

	err := c.users.Put(ctx, rec, store.PutOptions{FailIfExists: true})
	if errors.Is(err, store.ErrDuplicateKey) {
		return fmt.Errorf("%w: %s", ErrUserExists, in.ID)
	}
	return err
}

func (c *Client) userKey(id string) (keys.Key, error) {
	return c.users.Key(id)
}

func (c *Client) getUser(ctx context.Context, id string) (userRecord, bool, error) {
	key, err := c.userKey(id)
	if err != nil {
		return userRecord{}, false, err
	}
	return c.users.Get(ctx, key)
}

// validUser loads a user that must exist and be active.
func (c *Client) validUser(ctx context.Context, id string) (userRecord, keys.Key, error) {
	key, err := c.userKey(id)
	if err != nil {
		return userRecord{}, key, err
	}
	rec, found, err := c.users.Get(ctx, key)
	if err != nil {
		return rec, key, err
	}
	if !found {
		return rec, key, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if !rec.Valid() {
		return rec, key, fmt.Errorf("%w: %s", ErrUserNotValid, id)
	}
	return rec, key, nil
}

// validUserRef requires id to name an active user.
func (c *Client) validUserRef(id string) (store.Reference, error) {
	key, err := c.userKey(id)
	if err != nil {
		return store.Reference{}, err
	}
	return c.users.RefWhere(key, func(u userRecord) bool { return u.Valid() }, fmt.Errorf("%w: %s", ErrUserNotValid, id)), nil
}

// updateUser applies fields to an existing user.
func (c *Client) updateUser(ctx context.Context, key keys.Key, fields codec.Record, expected codec.Record) (User, error) {
	rec, err := c.users.Update(ctx, key, fields, store.UpdateOptions{Expected: expected})
	if errors.Is(err, store.ErrNotFound) {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, key.Partition)
	}
	return rec.User, err
}

// IsUserIDAvailable reports whether no account uses id.
func (c *Client) IsUserIDAvailable(ctx context.Context, id string) (bool, error) {
	key, err := c.userKey(id)
	if err != nil {
		return false, err
	}
	exists, err := c.users.Exists(ctx, key)
	return !exists, err
}

// GetUser returns the profile of id, without password or token hashes.
func (c *Client) GetUser(ctx context.Context, id string) (User, bool, error) {
	rec, found, err := c.getUser(ctx, id)
	return rec.User, found, err
}

// IsValidUser reports whether id names an active user.
func (c *Client) IsValidUser(ctx context.Context, id string) (bool, error) {
	rec, found, err := c.getUser(ctx, id)
	return found && rec.Valid(), err
}

// IsValidUserVia reports whether id is active through provider.
func (c *Client) IsValidUserVia(ctx context.Context, id string, provider Provider) (bool, error) {
	rec, found, err := c.getUser(ctx, id)
	if err != nil || !found {
		return false, err
	}
	switch provider {
	case Registered:
		return rec.ValidRegistered, nil
	case Facebook:
		return rec.ValidFacebook, nil
	case Google:
		return rec.ValidGoogle, nil
	}
	return false, &store.ValidationError{Op: "isValidUser", Err: fmt.Errorf("unknown provider %q", provider)}
}

// Authenticate reports whether id is an active registered user with
// password.
func (c *Client) Authenticate(ctx context.Context, id, password string) (bool, error) {
	if err := c.checkVar("authenticate", "password", password, "required"); err != nil {
		return false, err
	}
	rec, found, err := c.getUser(ctx, id)
	if err != nil || !found {
		return false, err
	}
	return rec.ValidRegistered && token.CheckPassword(rec.passwordHash, password), nil
}

// CreateRegistrationToken issues the email confirmation token of an
// existing user and returns its plaintext. Only the hash is stored.
func (c *Client) CreateRegistrationToken(ctx context.Context, id string) (string, error) {
	key, err := c.userKey(id)
	if err != nil {
		return "", err
	}
	tok, err := c.tokens.Issue()
	if err != nil {
		return "", err
	}
	_, err = c.updateUser(ctx, key, codec.Record{
		fieldRegistrationToken: tok.Hash,
		fieldRegistrationTime:  tok.IssuedAt,
	}, nil)
	if err != nil {
		return "", err
	}
	return tok.Plaintext, nil
}

// IsMatchingRegistrationToken reports whether plaintext is the current,
// unexpired registration token of id.
func (c *Client) IsMatchingRegistrationToken(ctx context.Context, id, plaintext string) (bool, error) {
	rec, found, err := c.getUser(ctx, id)
	if err != nil || !found {
		return false, err
	}
	return c.tokens.Verify(rec.registrationToken, rec.registrationIssuedAt, plaintext, c.cfg.Tokens.RegistrationMaxAge), nil
}

// ValidateRegistration activates a registered user holding a valid
// registration token. The token is consumed.
func (c *Client) ValidateRegistration(ctx context.Context, id, plaintext string) error {
	if err := c.checkVar("validateRegistration", "token", plaintext, "required"); err != nil {
		return err
	}
	key, err := c.userKey(id)
	if err != nil {
		return err
	}
	rec, found, err := c.users.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if !c.tokens.Verify(rec.registrationToken, rec.registrationIssuedAt, plaintext, c.cfg.Tokens.RegistrationMaxAge) {
		return ErrInvalidToken
	}
	_, err = c.updateUser(ctx, key, codec.Record{
		fieldValidRegistered:   true,
		fieldRegistrationToken: nil,
		fieldRegistrationTime:  nil,
		fieldStatusChanged:     c.timestamp(),
	}, codec.Record{fieldRegistrationToken: rec.registrationToken})
	if errors.Is(err, store.ErrPreconditionFailed) {
		// Consumed or replaced since it was read.
		return ErrInvalidToken
	}
	return err
}

// CreatePasswordResetToken issues a password-reset token for an active
// user and returns its plaintext.
func (c *Client) CreatePasswordResetToken(ctx context.Context, id string) (string, error) {
	_, key, err := c.validUser(ctx, id)
	if err != nil {
		return "", err
	}
	tok, err := c.tokens.Issue()
	if err != nil {
		return "", err
	}
	_, err = c.updateUser(ctx, key, codec.Record{
		fieldResetToken: tok.Hash,
		fieldResetTime:  tok.IssuedAt,
	}, nil)
	if err != nil {
		return "", err
	}
	return tok.Plaintext, nil
}

// IsMatchingPasswordResetToken reports whether plaintext is the current,
// unexpired password-reset token of id.
func (c *Client) IsMatchingPasswordResetToken(ctx context.Context, id, plaintext string) (bool, error) {
	rec, found, err := c.getUser(ctx, id)
	if err != nil || !found {
		return false, err
	}
	return c.tokens.Verify(rec.resetToken, rec.resetIssuedAt, plaintext, c.cfg.Tokens.PasswordResetMaxAge), nil
}

// ResetPassword sets a new password for a user holding a valid
// password-reset token. The token is consumed.
func (c *Client) ResetPassword(ctx context.Context, id, plaintext, newPassword string) error {
	const op = "resetPassword"
	if err := c.checkVar(op, "token", plaintext, "required"); err != nil {
		return err
	}
	if err := c.checkVar(op, "newPassword", newPassword, "required,min=6,max=72"); err != nil {
		return err
	}
	key, err := c.userKey(id)
	if err != nil {
		return err
	}
	rec, found, err := c.users.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if !c.tokens.Verify(rec.resetToken, rec.resetIssuedAt, plaintext, c.cfg.Tokens.PasswordResetMaxAge) {
		return ErrInvalidToken
	}
	hash, err := token.HashPassword(newPassword)
	if err != nil {
		return &store.ValidationError{Op: op, Err: err}
	}
	_, err = c.updateUser(ctx, key, codec.Record{
		fieldPassword:   hash,
		fieldResetToken: nil,
		fieldResetTime:  nil,
	}, codec.Record{fieldResetToken: rec.resetToken})
	if errors.Is(err, store.ErrPreconditionFailed) {
		return ErrInvalidToken
	}
	return err
}

// ChangePassword replaces the password of a user who knows the current
// one. The write is conditional on the stored hash not having changed
// since it was checked.
func (c *Client) ChangePassword(ctx context.Context, id, current, newPassword string) error {
	const op = "changePassword"
	if err := c.checkVar(op, "current", current, "required"); err != nil {
		return err
	}
	if err := c.checkVar(op, "newPassword", newPassword, "required,min=6,max=72"); err != nil {
		return err
	}
	key, err := c.userKey(id)
	if err != nil {
		return err
	}
	rec, found, err := c.users.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if !token.CheckPassword(rec.passwordHash, current) {
		return ErrWrongPassword
	}
	hash, err := token.HashPassword(newPassword)
	if err != nil {
		return &store.ValidationError{Op: op, Err: err}
	}
	_, err = c.updateUser(ctx, key, codec.Record{fieldPassword: hash}, codec.Record{fieldPassword: rec.passwordHash})
	if errors.Is(err, store.ErrPreconditionFailed) {
		return ErrWrongPassword
	}
	return err
}

// DeactivateUser turns off every sign-in method of an active user. The
// profile is kept.
func (c *Client) DeactivateUser(ctx context.Context, id string) error {
	_, key, err := c.validUser(ctx, id)
	if err != nil {
		return err
	}
	_, err = c.updateUser(ctx, key, codec.Record{
		fieldValidRegistered: false,
		fieldValidFacebook:   false,
		fieldValidGoogle:     false,
		fieldStatusChanged:   c.timestamp(),
	}, nil)
	return err
}

// UpdateSubscriptionFrequency stores the mail frequency of an active user
// and returns what was stored. Unknown values unsubscribe.
func (c *Client) UpdateSubscriptionFrequency(ctx context.Context, id, freq string) (Frequency, error) {
	if err := c.checkVar("updateSubscription", "frequency", freq, "required"); err != nil {
		return "", err
	}
	_, key, err := c.validUser(ctx, id)
	if err != nil {
		return "", err
	}
	f := ParseFrequency(freq)
	if _, err := c.updateUser(ctx, key, codec.Record{fieldSubscription: string(f)}, nil); err != nil {
		return "", err
	}
	return f, nil
}

// ProfileInfo is the editable part of a profile. Every field is written;
// empty values clear the stored one.
type ProfileInfo struct {
	FirstName     string `validate:"max=100"`
	MiddleName    string `validate:"max=100"`
	LastName      string `validate:"max=100"`
	Gender        string `validate:"omitempty,oneof=male female other MALE FEMALE OTHER"`
	Street        string `validate:"max=200"`
	City          string `validate:"max=100"`
	State         string `validate:"max=100"`
	Zip           string `validate:"omitempty,max=12"`
	Country       string `validate:"max=100"`
	ContactNumber string `validate:"max=20"`
	DateOfBirth   string `validate:"omitempty,datetime=2006-01-02"`
	Titles        []string
}

// UpdateUserProfileInfo stores info for an active user. Names and address
// parts are lower-cased and gender upper-cased.
func (c *Client) UpdateUserProfileInfo(ctx context.Context, id string, info ProfileInfo) (User, error) {
	if err := c.check("updateProfile", info); err != nil {
		return User{}, err
	}
	_, key, err := c.validUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	return c.updateUser(ctx, key, codec.Record{
		"firstName":     strings.ToLower(info.FirstName),
		"middleName":    strings.ToLower(info.MiddleName),
		"lastName":      strings.ToLower(info.LastName),
		"gender":        strings.ToUpper(info.Gender),
		"street":        strings.ToLower(info.Street),
		"city":          strings.ToLower(info.City),
		"indianState":   strings.ToLower(info.State),
		"zip":           info.Zip,
		"country":       strings.ToLower(info.Country),
		"contactNumber": info.ContactNumber,
		"dateOfbirth":   info.DateOfBirth,
		"titles":        info.Titles,
	}, nil)
}

// AdjustUserCounter adds delta to one of the user counters.
func (c *Client) AdjustUserCounter(ctx context.Context, id, counter string, delta int64) error {
	key, err := c.userKey(id)
	if err != nil {
		return err
	}
	_, err = c.users.Increment(ctx, key, counter, delta)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return err
}
