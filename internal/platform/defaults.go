package platform

import "time"

// Defaults returns the built-in profiles used when the config lists none.
func Defaults() []Profile {
	return []Profile{
		{
			ID:             "twitter",
			MaxTextLength:  280,
			SupportsMedia:  true,
			MinInterval:    60 * time.Minute,
			PreferredTimes: MustTimes("09:00", "12:00", "15:00", "18:00"),
			HourlyLimit:    5,
			DailyLimit:     50,
		},
		{
			ID:             "linkedin",
			MaxTextLength:  3000,
			SupportsMedia:  true,
			MinInterval:    4 * time.Hour,
			PreferredTimes: MustTimes("08:00", "12:00", "17:00"),
			HourlyLimit:    2,
			DailyLimit:     10,
		},
		{
			ID:             "facebook",
			MaxTextLength:  63206,
			SupportsMedia:  true,
			MinInterval:    2 * time.Hour,
			PreferredTimes: MustTimes("09:00", "13:00", "15:00"),
			HourlyLimit:    3,
			DailyLimit:     25,
		},
		{
			ID:             "instagram",
			MaxTextLength:  2200,
			SupportsMedia:  true,
			RequiresMedia:  true,
			MinInterval:    3 * time.Hour,
			PreferredTimes: MustTimes("11:00", "14:00", "19:00"),
			HourlyLimit:    2,
			DailyLimit:     25,
		},
		{
			ID:             "threads",
			MaxTextLength:  500,
			SupportsMedia:  true,
			MinInterval:    90 * time.Minute,
			PreferredTimes: MustTimes("10:00", "14:00", "20:00"),
			HourlyLimit:    3,
			DailyLimit:     30,
		},
	}
}
