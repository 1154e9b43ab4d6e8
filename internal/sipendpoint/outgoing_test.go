package sipendpoint

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func testDialer() *Dialer {
	return &Dialer{endpoint: &Endpoint{contact: sip.ContactHeader{
		Address: sip.Uri{User: "atm0s", Host: "127.0.0.1", Port: 5060},
	}}}
}

func TestBuildInviteStartsAtCSeqOne(t *testing.T) {
	d := testDialer()

	invite, err := d.BuildInvite("sip:alice@example.com", "sip:bob@example.com", "call-1", "tag-1", []byte("v=0"))
	if err != nil {
		t.Fatalf("BuildInvite: %v", err)
	}

	cseq := invite.CSeq()
	if cseq == nil {
		t.Fatal("expected a CSeq header")
	}
	if cseq.SeqNo != 1 {
		t.Fatalf("expected initial CSeq 1, got %d", cseq.SeqNo)
	}
	if cseq.MethodName != sip.INVITE {
		t.Fatalf("expected CSeq method INVITE, got %s", cseq.MethodName)
	}
}

// TestBuildAuthorizedInviteIncrementsCSeq covers the RFC 3261 §22.2
// requirement that a challenged request be retried with an incremented
// CSeq, and that the credential lands under the header name the caller
// selected rather than a hardcoded "Authorization".
func TestBuildAuthorizedInviteIncrementsCSeq(t *testing.T) {
	d := testDialer()

	original, err := d.BuildInvite("sip:alice@example.com", "sip:bob@example.com", "call-1", "tag-1", []byte("v=0"))
	if err != nil {
		t.Fatalf("BuildInvite: %v", err)
	}

	retry := d.BuildAuthorizedInvite(original, "Proxy-Authorization", "Digest response=\"abc\"")

	if original.CSeq().SeqNo != 1 {
		t.Fatalf("original invite must be unmodified, got CSeq %d", original.CSeq().SeqNo)
	}
	if got := retry.CSeq().SeqNo; got != 2 {
		t.Fatalf("expected retry CSeq 2, got %d", got)
	}

	if h := retry.GetHeader("Proxy-Authorization"); h == nil {
		t.Fatal("expected Proxy-Authorization header on retry")
	}
	if h := retry.GetHeader("Authorization"); h != nil {
		t.Fatalf("did not expect an Authorization header, got %q", h.Value())
	}
}

func TestBuildAuthorizedInviteUsesAuthorizationForWWWAuthenticate(t *testing.T) {
	d := testDialer()

	original, err := d.BuildInvite("sip:alice@example.com", "sip:bob@example.com", "call-1", "tag-1", []byte("v=0"))
	if err != nil {
		t.Fatalf("BuildInvite: %v", err)
	}

	retry := d.BuildAuthorizedInvite(original, "Authorization", "Digest response=\"abc\"")

	if h := retry.GetHeader("Authorization"); h == nil {
		t.Fatal("expected Authorization header on retry")
	}
	if h := retry.GetHeader("Proxy-Authorization"); h != nil {
		t.Fatalf("did not expect a Proxy-Authorization header, got %q", h.Value())
	}
}
