package api

import (
	"os"
	"regexp"
	"sort"
	"strings"
	"testing"

	"google.golang.org/grpc"
)

var (
	protoService = regexp.MustCompile(`(?m)^service (\w+) \{`)
	protoRPC     = regexp.MustCompile(`(?m)^\s*rpc (\w+)\(`)
)

// protoMethods maps each fully qualified service in the proto file to its
// sorted rpc names.
func protoMethods(t *testing.T) map[string][]string {
	t.Helper()
	b, err := os.ReadFile("../../proto/chatsync/v1/chatsync.proto")
	if err != nil {
		t.Fatal(err)
	}
	out := map[string][]string{}
	for _, block := range strings.Split(string(b), "\nservice ")[1:] {
		block = "service " + block
		name := protoService.FindStringSubmatch(block)[1]
		body := block[:strings.Index(block, "}")]
		var rpcs []string
		for _, m := range protoRPC.FindAllStringSubmatch(body, -1) {
			rpcs = append(rpcs, m[1])
		}
		sort.Strings(rpcs)
		out["chatsync.v1."+name] = rpcs
	}
	return out
}

func descMethods(d grpc.ServiceDesc) []string {
	var names []string
	for _, m := range d.Methods {
		names = append(names, m.MethodName)
	}
	for _, s := range d.Streams {
		names = append(names, s.StreamName)
	}
	sort.Strings(names)
	return names
}

func TestServiceDescsMatchProto(t *testing.T) {
	want := protoMethods(t)
	descs := []grpc.ServiceDesc{sessionServiceDesc, syncServiceDesc, chatServiceDesc, messageServiceDesc}
	if len(want) != len(descs) {
		t.Fatalf("proto declares %d services, registered %d", len(want), len(descs))
	}
	for _, d := range descs {
		rpcs, ok := want[d.ServiceName]
		if !ok {
			t.Errorf("%s not declared in proto", d.ServiceName)
			continue
		}
		if got := descMethods(d); strings.Join(got, ",") != strings.Join(rpcs, ",") {
			t.Errorf("%s methods = %v, proto = %v", d.ServiceName, got, rpcs)
		}
	}
	if !syncServiceDesc.Streams[0].ServerStreams {
		t.Error("WatchEvents is not server streaming")
	}
}
