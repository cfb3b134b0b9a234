package auth

import "testing"

func TestHashPasswordAndCheckPasswordBcrypt(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected non-empty hash")
	}
	if !CheckPassword("s3cret", hash) {
		t.Fatalf("expected bcrypt password check to pass")
	}
	if CheckPassword("wrong", hash) {
		t.Fatalf("expected bcrypt password check to fail")
	}
	if CheckPassword("s3cret", "not-a-hash") {
		t.Fatalf("expected malformed hash to fail")
	}
}

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("secret1"); err != nil {
		t.Fatalf("expected valid password, got: %v", err)
	}
	if err := ValidatePassword("abc12"); err != ErrWeakPassword {
		t.Fatalf("expected short password to fail, got: %v", err)
	}
	if err := ValidatePassword("ééééé"); err == nil {
		t.Fatalf("expected length to count runes")
	}
}

func TestNormalizeEmail(t *testing.T) {
	got, err := NormalizeEmail("  New@X.com ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "new@x.com" {
		t.Fatalf("unexpected email %q", got)
	}
	for _, bad := range []string{"", "no-at-sign", "a@b", "Ada <a@x.com>", "a@@x.com"} {
		if _, err := NormalizeEmail(bad); err != ErrInvalidEmail {
			t.Fatalf("expected %q to be rejected, got %v", bad, err)
		}
	}
}
