// Package jwt validates and issues the HMAC-signed bearer tokens accepted by
// the gateway.
//
// Tokens carry the subject id in "sub", the role in "role" and the usual
// "iat"/"exp"/"nbf" timestamps. Validation failures of any kind are reported
// as ErrInvalidToken; the concrete reason is only visible in metrics and
// debug logs.
//
//	v, err := jwt.NewValidator(secret, jwt.WithClockSkew(5*time.Second))
//	if err != nil {
//	    return err
//	}
//
//	claims, err := v.Validate(ctx, raw)
//	if err != nil {
//	    // respond 401
//	}
package jwt
