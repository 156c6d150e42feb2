package dyld

import "testing"

func TestMatcher(t *testing.T) {
	tests := []struct {
		name    string
		matcher Matcher
		path    string
		want    bool
	}{
		{"exact path", MatchPath("/usr/lib/libobjc.A.dylib"), "/usr/lib/libobjc.A.dylib", true},
		{"exact path mismatch", MatchPath("/usr/lib/libobjc.A.dylib"), "/usr/lib/libobjc.dylib", false},
		{"exact path is not a prefix", MatchPath("/usr/lib/libobjc.A"), "/usr/lib/libobjc.A.dylib", false},

		{"framework flat", MatchFramework("CoreImage"), "/System/Library/Frameworks/CoreImage.framework/CoreImage", true},
		{"framework versioned", MatchFramework("CoreImage"), "/System/Library/Frameworks/CoreImage.framework/Versions/A/CoreImage", true},
		{"framework wrong binary", MatchFramework("CoreImage"), "/System/Library/Frameworks/CoreImage.framework/CoreImageKit", false},
		{"framework name prefix", MatchFramework("CoreImage"), "/System/Library/Frameworks/CoreImageKit.framework/CoreImageKit", false},
		{"framework versioned other letter", MatchFramework("CoreImage"), "/System/Library/Frameworks/CoreImage.framework/Versions/B/CoreImage", false},
		{"framework in private dir", MatchFramework("CoreImage"), "/System/Library/PrivateFrameworks/CoreImage.framework/CoreImage", false},

		{"private framework", MatchPrivateFramework("NeutrinoCore"), "/System/Library/PrivateFrameworks/NeutrinoCore.framework/NeutrinoCore", true},
		{"private framework versioned", MatchPrivateFramework("NeutrinoCore"), "/System/Library/PrivateFrameworks/NeutrinoCore.framework/Versions/A/NeutrinoCore", true},
		{"private framework in public dir", MatchPrivateFramework("NeutrinoCore"), "/System/Library/Frameworks/NeutrinoCore.framework/NeutrinoCore", false},
		{"private framework trailing junk", MatchPrivateFramework("NeutrinoCore"), "/System/Library/PrivateFrameworks/NeutrinoCore.framework/NeutrinoCoreX", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.matcher.Matches(tt.path); got != tt.want {
				t.Errorf("Matches(%q) = %t; want %t", tt.path, got, tt.want)
			}
		})
	}
}

func TestMatcherName(t *testing.T) {
	if got := MatchPath("/usr/lib/libfoo.dylib").Name(); got != "/usr/lib/libfoo.dylib" {
		t.Errorf("Name() = %q", got)
	}
	if got := MatchFramework("QuartzCore").Name(); got != "QuartzCore.framework" {
		t.Errorf("Name() = %q", got)
	}
	if got := MatchPrivateFramework("CMCapture").Name(); got != "CMCapture.framework" {
		t.Errorf("Name() = %q", got)
	}
}
