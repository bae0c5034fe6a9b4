package auth

import "testing"

func TestAuthenticator_GenerateKeyRoundTripsThroughNew(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	b, err := New(a.PrivateKey())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a.ServerToken() != b.ServerToken() {
		t.Fatal("expected the round-tripped authenticator to produce the same server token")
	}
}

func TestAuthenticator_NewRejectsWrongLengthKey(t *testing.T) {
	if _, err := New("dG9vc2hvcnQ"); err == nil {
		t.Fatal("expected New to reject a key of the wrong length")
	}
}

func TestAuthenticator_NewRejectsInvalidBase64(t *testing.T) {
	if _, err := New("not base64url!!"); err == nil {
		t.Fatal("expected New to reject invalid base64url")
	}
}

func TestAuthenticator_ServerTokenAllowsAnyDoc(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if !a.Allow(a.ServerToken(), "doc1") {
		t.Fatal("expected the server token to allow any document")
	}
	if !a.Allow(a.ServerToken(), "doc2") {
		t.Fatal("expected the server token to allow a different document too")
	}
}

func TestAuthenticator_SignDocTokenScopedToDoc(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	token := a.SignDocToken("doc1")

	if !a.Allow(token, "doc1") {
		t.Fatal("expected a per-doc token to be allowed for its own document")
	}
	if a.Allow(token, "doc2") {
		t.Fatal("expected a per-doc token to be denied for a different document")
	}
}

func TestAuthenticator_AllowRejectsEmptyAndForeignTokens(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	other, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if a.Allow("", "doc1") {
		t.Fatal("expected an empty token to be denied")
	}
	if a.Allow(other.ServerToken(), "doc1") {
		t.Fatal("expected a token signed by a different authenticator to be denied")
	}
}

func TestIsWeakToken(t *testing.T) {
	if IsWeakToken("") {
		t.Fatal("expected an empty private key to not be flagged weak (nothing to warn about)")
	}
	if !IsWeakToken("aaaa") {
		t.Fatal("expected a short, low-entropy key to be flagged weak")
	}
}
