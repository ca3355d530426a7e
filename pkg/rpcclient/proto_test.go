package rpcclient

import "testing"

func TestCompileProtoFilesAndFindMethod(t *testing.T) {
	const protoSrc = `
		syntax = "proto3";
		package signer;
		service Signer {
			rpc SignTypedData(SignRequest) returns (SignReply) {}
		}
		message SignRequest { bytes digest = 1; }
		message SignReply { bytes signature = 1; }
	`

	files := map[string]string{"signer.proto": protoSrc}
	fds, err := compileProtoFiles(files)
	if err != nil {
		t.Fatalf("compileProtoFiles returned error: %v", err)
	}
	if len(fds) == 0 {
		t.Fatal("expected non-empty descriptor set")
	}

	fd, method, err := FindMethod(fds, "SignTypedData")
	if err != nil {
		t.Fatalf("FindMethod returned error: %v", err)
	}
	if string(fd.Package()) != "signer" {
		t.Fatalf("unexpected package: %s", fd.Package())
	}
	if string(method.Parent().Name()) != "Signer" {
		t.Fatalf("unexpected service name: %s", method.Parent().Name())
	}
}

func TestFindMethodNotFound(t *testing.T) {
	files := map[string]string{"foo.proto": `
		syntax = "proto3";
		package foo;
		service S { rpc Ping(Req) returns (Resp) {} }
		message Req {}
		message Resp {}
	`}
	fds, err := compileProtoFiles(files)
	if err != nil {
		t.Fatalf("compileProtoFiles returned error: %v", err)
	}
	if _, _, err := FindMethod(fds, "Unknown"); err == nil {
		t.Fatal("expected error for missing method")
	}
}

func TestCompileProtoFilesInvalidSource(t *testing.T) {
	files := map[string]string{"bad.proto": "syntax = \"proto2\"; message X {"}
	if _, err := compileProtoFiles(files); err == nil {
		t.Fatal("expected compilation error for invalid proto")
	}
}
